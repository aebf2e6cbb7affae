package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// ChainVerificationResult contains the results of hash chain verification.
// It is always definitive: IsValid is false whenever anything could not be
// proven intact, including unreadable storage.
type ChainVerificationResult struct {
	OrganizationID    uuid.UUID     `json:"organization_id"`
	IsValid           bool          `json:"is_valid"`
	EntriesVerified   int           `json:"entries_verified"`
	FromSequence      int64         `json:"from_sequence"`
	ToSequence        int64         `json:"to_sequence"`
	FirstDivergence   *ChainBreak   `json:"first_divergence,omitempty"`
	ChainBreaks       []*ChainBreak `json:"chain_breaks,omitempty"`
	AggregateHash     string        `json:"aggregate_hash"`
	VerificationTime  time.Duration `json:"verification_time"`
	ErrorsEncountered []string      `json:"errors_encountered,omitempty"`
	// Statistics describes the entries read; nil when storage was unreadable
	Statistics *ChainStatistics `json:"statistics,omitempty"`
}

// Err converts a failed verification into a ChainDivergence error carrying
// the exact divergence point. It returns nil for an intact chain.
func (r *ChainVerificationResult) Err() error {
	if r.IsValid {
		return nil
	}
	if r.FirstDivergence == nil {
		return errors.NewChainDivergenceError(r.OrganizationID.String(), r.FromSequence, "", "").
			WithCause(fmt.Errorf("%s", strings.Join(r.ErrorsEncountered, "; ")))
	}
	b := r.FirstDivergence
	appErr := errors.NewChainDivergenceError(r.OrganizationID.String(), b.SequenceNum, b.ExpectedHash, b.ActualHash)
	appErr.Details["break_type"] = string(b.BreakType)
	return appErr
}

// ChainBreak represents a detected break in the hash chain
type ChainBreak struct {
	EntryID      string    `json:"entry_id,omitempty"`
	SequenceNum  int64     `json:"sequence_num"`
	ExpectedHash string    `json:"expected_hash,omitempty"`
	ActualHash   string    `json:"actual_hash,omitempty"`
	BreakType    BreakType `json:"break_type"`
	Description  string    `json:"description"`
}

// BreakType categorizes the type of chain break
type BreakType string

const (
	// Stored entry_hash differs from the recomputed hash
	BreakTypeHashMismatch BreakType = "hash_mismatch"
	// previous_hash does not equal the predecessor's entry_hash
	BreakTypeLinkMismatch BreakType = "link_mismatch"
	BreakTypeSequenceGap  BreakType = "sequence_gap"
	// Stored head disagrees with the externally anchored head
	BreakTypeHeadMismatch     BreakType = "head_mismatch"
	BreakTypeTimestampReverse BreakType = "timestamp_reverse"
	BreakTypeUnreadable       BreakType = "unreadable"
)

// String returns the string representation of the break type
func (bt BreakType) String() string {
	return string(bt)
}

// Anchor is the trusted starting point for verifying a range: the sequence
// the range must start at and the hash its first entry must link to.
type Anchor struct {
	StartSequence int64
	PreviousHash  string
}

// GenesisAnchor anchors a verification at the start of the chain
func GenesisAnchor() Anchor {
	return Anchor{StartSequence: 1}
}

// HashChainVerifier recomputes and cross-checks entry hashes
type HashChainVerifier struct {
	validateTimestamps bool
}

// NewHashChainVerifier creates a verifier that checks hashes, links and
// sequence continuity
func NewHashChainVerifier() *HashChainVerifier {
	return &HashChainVerifier{}
}

// NewStrictHashChainVerifier additionally requires created_at to be
// non-decreasing. Appends from several nodes with skewed clocks can violate
// this without any tampering.
func NewStrictHashChainVerifier() *HashChainVerifier {
	return &HashChainVerifier{validateTimestamps: true}
}

// Verify checks that entries form an intact chain starting at anchor.
// Every break is reported; FirstDivergence is the lowest sequence affected.
func (v *HashChainVerifier) Verify(organizationID uuid.UUID, entries []*Entry, anchor Anchor) *ChainVerificationResult {
	startTime := time.Now()

	result := &ChainVerificationResult{
		OrganizationID: organizationID,
		IsValid:        true,
		FromSequence:   anchor.StartSequence,
		ChainBreaks:    make([]*ChainBreak, 0),
	}

	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	expectedSeq := anchor.StartSequence
	previousHash := anchor.PreviousHash
	var previousTimestamp time.Time

	for i, entry := range sorted {
		result.EntriesVerified++

		if entry.OrganizationID != organizationID {
			v.addBreak(result, &ChainBreak{
				EntryID:     entry.ID.String(),
				SequenceNum: entry.SequenceNumber,
				BreakType:   BreakTypeLinkMismatch,
				Description: fmt.Sprintf("entry belongs to organization %s", entry.OrganizationID),
			})
		}

		if entry.SequenceNumber != expectedSeq {
			v.addBreak(result, &ChainBreak{
				EntryID:     entry.ID.String(),
				SequenceNum: entry.SequenceNumber,
				BreakType:   BreakTypeSequenceGap,
				Description: fmt.Sprintf("expected sequence %d, got %d", expectedSeq, entry.SequenceNumber),
			})
		}

		if v.validateTimestamps && i > 0 && entry.CreatedAt.Before(previousTimestamp) {
			v.addBreak(result, &ChainBreak{
				EntryID:     entry.ID.String(),
				SequenceNum: entry.SequenceNumber,
				BreakType:   BreakTypeTimestampReverse,
				Description: "entry timestamp is before previous entry",
			})
		}

		if entry.PreviousHash != previousHash {
			v.addBreak(result, &ChainBreak{
				EntryID:      entry.ID.String(),
				SequenceNum:  entry.SequenceNumber,
				ExpectedHash: previousHash,
				ActualHash:   entry.PreviousHash,
				BreakType:    BreakTypeLinkMismatch,
				Description:  "previous_hash does not match predecessor entry_hash",
			})
		}

		if computed := entry.ComputeHash(); computed != entry.EntryHash {
			v.addBreak(result, &ChainBreak{
				EntryID:      entry.ID.String(),
				SequenceNum:  entry.SequenceNumber,
				ExpectedHash: computed,
				ActualHash:   entry.EntryHash,
				BreakType:    BreakTypeHashMismatch,
				Description:  "stored entry_hash does not match recomputed hash",
			})
		}

		// Continue from what is stored so that one tampered entry is reported
		// once rather than cascading through every successor.
		previousHash = entry.EntryHash
		previousTimestamp = entry.CreatedAt
		expectedSeq = entry.SequenceNumber + 1
	}

	if len(sorted) > 0 {
		result.ToSequence = sorted[len(sorted)-1].SequenceNumber
	} else {
		result.ToSequence = anchor.StartSequence - 1
	}

	result.AggregateHash = ComputeChainHash(sorted)
	result.VerificationTime = time.Since(startTime)
	return result
}

// AddBreak records a break found outside the entry walk (head anchoring,
// storage failures).
func (r *ChainVerificationResult) AddBreak(b *ChainBreak) {
	(&HashChainVerifier{}).addBreak(r, b)
}

func (v *HashChainVerifier) addBreak(result *ChainVerificationResult, b *ChainBreak) {
	result.IsValid = false
	result.ChainBreaks = append(result.ChainBreaks, b)
	if result.FirstDivergence == nil || b.SequenceNum < result.FirstDivergence.SequenceNum {
		result.FirstDivergence = b
	}
}

// ComputeChainHash computes an aggregate hash over the ordered chain, used
// for external notarization of a range.
func ComputeChainHash(entries []*Entry) string {
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "%d:%s:%s|", entry.SequenceNumber, entry.ID.String(), entry.EntryHash)
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// ChainStatistics provides statistical information about a hash chain
type ChainStatistics struct {
	TotalEntries    int               `json:"total_entries"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	TimeSpan        time.Duration     `json:"time_span"`
	EntryTypes      map[EntryType]int `json:"entry_types"`
	ActionBreakdown map[Action]int    `json:"action_breakdown"`
}

// ComputeChainStatistics computes statistics for a chain of entries
func ComputeChainStatistics(entries []*Entry) *ChainStatistics {
	stats := &ChainStatistics{
		TotalEntries:    len(entries),
		EntryTypes:      make(map[EntryType]int),
		ActionBreakdown: make(map[Action]int),
	}

	if len(entries) == 0 {
		return stats
	}

	stats.StartTime = entries[0].CreatedAt
	stats.EndTime = entries[0].CreatedAt

	for _, entry := range entries {
		if entry.CreatedAt.Before(stats.StartTime) {
			stats.StartTime = entry.CreatedAt
		}
		if entry.CreatedAt.After(stats.EndTime) {
			stats.EndTime = entry.CreatedAt
		}
		stats.EntryTypes[entry.EntryType]++
		stats.ActionBreakdown[entry.Action]++
	}

	stats.TimeSpan = stats.EndTime.Sub(stats.StartTime)
	return stats
}
