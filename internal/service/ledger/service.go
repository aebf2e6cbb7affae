// Package ledger appends to and verifies per-organization hash chains.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

// Config configures the ledger service
type Config struct {
	// MaxRetries bounds retries of CONCURRENT_SEQUENCE_CONFLICT (default: 8)
	MaxRetries     uint64
	InitialBackoff time.Duration // default: 5ms
	MaxBackoff     time.Duration // default: 250ms

	// StrictTimestamps also treats created_at reversals as breaks
	StrictTimestamps bool
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:     8,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}
}

// Service is the hash-chain ledger
type Service struct {
	config    Config
	logger    *zap.Logger
	store     ledger.Store
	anchors   ledger.AnchorStore
	publisher ledger.Publisher
	clock     values.Clock
	verifier  *ledger.HashChainVerifier
	metrics   *metrics.Registry
	tracer    trace.Tracer
}

// Option customizes a Service
type Option func(*Service)

// WithAnchorStore mirrors chain heads for truncation detection
func WithAnchorStore(a ledger.AnchorStore) Option {
	return func(s *Service) { s.anchors = a }
}

// WithPublisher streams committed entries
func WithPublisher(p ledger.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the wall clock
func WithClock(c values.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics records ledger metrics
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a ledger service
func NewService(config Config, store ledger.Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		config:   config,
		logger:   logger.Named("ledger"),
		store:    store,
		clock:    values.RealClock{},
		verifier: ledger.NewHashChainVerifier(),
		tracer:   telemetry.Tracer("proaudit/ledger"),
	}
	if config.StrictTimestamps {
		s.verifier = ledger.NewStrictHashChainVerifier()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records draft as the next entry of the organization's chain.
// Sequence allocation races are retried with exponential backoff; every
// other error is returned as is.
func (s *Service) Append(ctx context.Context, organizationID uuid.UUID, draft ledger.Draft) (*ledger.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(
		attribute.String("organization_id", organizationID.String()),
		attribute.String("entry_type", string(draft.EntryType)),
	))
	defer span.End()

	start := time.Now()

	if err := draft.Validate(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	snapshot, err := values.CanonicalJSON(draft.DataSnapshot)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	draft.DataSnapshot = json.RawMessage(snapshot)

	seal := func(head ledger.Head) (*ledger.Entry, error) {
		seq, err := values.NextAfter(head.Sequence)
		if err != nil {
			return nil, err
		}
		entry, err := ledger.NewEntry(organizationID, seq, draft, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if _, err := entry.Seal(head.Hash); err != nil {
			return nil, err
		}
		return entry, nil
	}

	var entry *ledger.Entry
	attempts := 0
	operation := func() error {
		attempts++
		e, err := s.store.Append(ctx, organizationID, seal)
		if err == nil {
			entry = e
			return nil
		}
		if errors.HasCode(err, errors.CodeConcurrentSequenceConflict) {
			s.metrics.RecordSequenceConflict(ctx)
			s.logger.Debug("sequence conflict, retrying",
				zap.String("organization_id", organizationID.String()),
				zap.Int("attempt", attempts))
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, s.newBackOff(ctx)); err != nil {
		s.metrics.RecordAppend(ctx, msSince(start), organizationID.String(), string(draft.EntryType), 0, false)
		telemetry.RecordError(span, err)
		s.logger.Error("ledger append failed",
			zap.String("organization_id", organizationID.String()),
			zap.String("entry_type", string(draft.EntryType)),
			zap.String("resource_id", draft.ResourceID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int64("sequence_number", entry.SequenceNumber))
	s.metrics.RecordAppend(ctx, msSince(start), organizationID.String(), string(draft.EntryType), entry.SequenceNumber, true)
	s.afterCommit(ctx, entry)
	return entry, nil
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.config.InitialBackoff
	exp.MaxInterval = s.config.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, s.config.MaxRetries), ctx)
}

// afterCommit mirrors the head and publishes the entry. Failures here never
// undo a committed append; they are caught by the next verification.
func (s *Service) afterCommit(ctx context.Context, entry *ledger.Entry) {
	head := ledger.Head{Sequence: entry.SequenceNumber, Hash: entry.EntryHash}
	if s.anchors != nil {
		if err := s.anchors.SetHead(ctx, entry.OrganizationID, head); err != nil {
			s.logger.Warn("failed to anchor chain head",
				zap.String("organization_id", entry.OrganizationID.String()),
				zap.Int64("sequence_number", entry.SequenceNumber),
				zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishEntry(ctx, entry); err != nil {
			s.logger.Warn("failed to publish ledger entry",
				zap.String("organization_id", entry.OrganizationID.String()),
				zap.Int64("sequence_number", entry.SequenceNumber),
				zap.Error(err))
		}
	}
}

// VerifyChain recomputes hashes over [from, to] and reports the first
// divergence. to <= 0 verifies through the stored head. It never returns an
// error: unreadable storage yields an invalid result.
func (s *Service) VerifyChain(ctx context.Context, organizationID uuid.UUID, from, to int64) *ledger.ChainVerificationResult {
	ctx, span := s.tracer.Start(ctx, "ledger.VerifyChain", trace.WithAttributes(
		attribute.String("organization_id", organizationID.String()),
		attribute.Int64("from_sequence", from),
		attribute.Int64("to_sequence", to),
	))
	defer span.End()

	if from < 1 {
		from = 1
	}

	result, readable := s.verifyRange(ctx, organizationID, from, to)
	if readable {
		s.checkAnchoredHead(ctx, organizationID, to, result)
	}

	breakTypes := make([]string, 0, len(result.ChainBreaks))
	for _, b := range result.ChainBreaks {
		breakTypes = append(breakTypes, b.BreakType.String())
	}
	s.metrics.RecordChainVerification(ctx, result.IsValid, breakTypes)
	span.SetAttributes(attribute.Bool("is_valid", result.IsValid))

	if !result.IsValid {
		fields := []zap.Field{
			zap.String("organization_id", organizationID.String()),
			zap.Int64("from_sequence", result.FromSequence),
			zap.Int64("to_sequence", result.ToSequence),
			zap.Int("breaks", len(result.ChainBreaks)),
		}
		if d := result.FirstDivergence; d != nil {
			fields = append(fields,
				zap.Int64("divergence_sequence", d.SequenceNum),
				zap.String("break_type", d.BreakType.String()),
				zap.String("expected_hash", d.ExpectedHash),
				zap.String("actual_hash", d.ActualHash))
		}
		s.logger.Error("hash chain verification failed", fields...)
	}
	return result
}

func (s *Service) verifyRange(ctx context.Context, organizationID uuid.UUID, from, to int64) (*ledger.ChainVerificationResult, bool) {
	anchor := ledger.GenesisAnchor()
	if from > 1 {
		prev, err := s.store.Get(ctx, organizationID, from-1)
		if err != nil {
			return s.unreadable(organizationID, from, to, fmt.Errorf("read predecessor %d: %w", from-1, err)), false
		}
		anchor = ledger.Anchor{StartSequence: from, PreviousHash: prev.EntryHash}
	}

	entries, err := s.store.Range(ctx, organizationID, from, to)
	if err != nil {
		return s.unreadable(organizationID, from, to, fmt.Errorf("read range: %w", err)), false
	}

	result := s.verifier.Verify(organizationID, entries, anchor)
	result.Statistics = ledger.ComputeChainStatistics(entries)
	if to > 0 && result.ToSequence < to && result.IsValid {
		head, err := s.store.Head(ctx, organizationID)
		if err == nil && head.Sequence >= to {
			result.AddBreak(&ledger.ChainBreak{
				SequenceNum: result.ToSequence + 1,
				BreakType:   ledger.BreakTypeSequenceGap,
				Description: fmt.Sprintf("range ends at %d but head is %d", result.ToSequence, head.Sequence),
			})
		}
	}
	return result, true
}

// checkAnchoredHead compares the stored chain with the externally anchored
// head. Only a verification that reaches the anchored position can see a
// truncated tail.
func (s *Service) checkAnchoredHead(ctx context.Context, organizationID uuid.UUID, to int64, result *ledger.ChainVerificationResult) {
	if s.anchors == nil {
		return
	}

	anchored, ok, err := s.anchors.GetHead(ctx, organizationID)
	if err != nil {
		s.logger.Warn("chain head anchor unavailable",
			zap.String("organization_id", organizationID.String()),
			zap.Error(err))
		result.ErrorsEncountered = append(result.ErrorsEncountered, "anchor unavailable: "+err.Error())
		return
	}
	if !ok || (to > 0 && to < anchored.Sequence) {
		return
	}

	if result.ToSequence < anchored.Sequence {
		result.AddBreak(&ledger.ChainBreak{
			SequenceNum:  result.ToSequence + 1,
			ExpectedHash: anchored.Hash,
			BreakType:    ledger.BreakTypeHeadMismatch,
			Description: fmt.Sprintf("stored chain ends at %d but head %d was anchored",
				result.ToSequence, anchored.Sequence),
		})
		return
	}

	entry, err := s.store.Get(ctx, organizationID, anchored.Sequence)
	if err != nil {
		result.AddBreak(&ledger.ChainBreak{
			SequenceNum: anchored.Sequence,
			BreakType:   ledger.BreakTypeUnreadable,
			Description: err.Error(),
		})
		return
	}
	if entry.EntryHash != anchored.Hash {
		result.AddBreak(&ledger.ChainBreak{
			EntryID:      entry.ID.String(),
			SequenceNum:  anchored.Sequence,
			ExpectedHash: anchored.Hash,
			ActualHash:   entry.EntryHash,
			BreakType:    ledger.BreakTypeHeadMismatch,
			Description:  "stored entry differs from anchored head",
		})
	}
}

func (s *Service) unreadable(organizationID uuid.UUID, from, to int64, err error) *ledger.ChainVerificationResult {
	result := &ledger.ChainVerificationResult{
		OrganizationID:    organizationID,
		IsValid:           true,
		FromSequence:      from,
		ToSequence:        to,
		ErrorsEncountered: []string{err.Error()},
	}
	result.AddBreak(&ledger.ChainBreak{
		SequenceNum: from,
		BreakType:   ledger.BreakTypeUnreadable,
		Description: err.Error(),
	})
	return result
}

// Head returns the organization's current chain head
func (s *Service) Head(ctx context.Context, organizationID uuid.UUID) (ledger.Head, error) {
	return s.store.Head(ctx, organizationID)
}

// History returns entries in [from, to]
func (s *Service) History(ctx context.Context, organizationID uuid.UUID, from, to int64) ([]*ledger.Entry, error) {
	if from < 1 {
		from = 1
	}
	return s.store.Range(ctx, organizationID, from, to)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
