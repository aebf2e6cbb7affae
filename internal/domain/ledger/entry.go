package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
)

// EntryType classifies what kind of fact an entry records
type EntryType string

const (
	EntryTypeFinancialRecord EntryType = "financial_record"
	EntryTypeEvidence        EntryType = "evidence"
	EntryTypeAuditRun        EntryType = "audit_run"
	EntryTypeFinding         EntryType = "finding"
	EntryTypeSubmission      EntryType = "submission"
	EntryTypeVerification    EntryType = "verification"
	EntryTypeAuditorSession  EntryType = "auditor_session"
)

// Action is the verb recorded by an entry
type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionVerify      Action = "verify"
	ActionAnnotate    Action = "annotate"
	ActionStart       Action = "start"
	ActionComplete    Action = "complete"
	ActionFail        Action = "fail"
	ActionLock        Action = "lock"
	ActionCancel      Action = "cancel"
	ActionCreditNote  Action = "credit_note"
	ActionStatus      Action = "status_change"
	ActionSessionOpen Action = "session_start"
	ActionSessionEnd  Action = "session_end"
)

// IsValid reports whether the entry type is one of the known types
func (t EntryType) IsValid() bool {
	switch t {
	case EntryTypeFinancialRecord, EntryTypeEvidence, EntryTypeAuditRun, EntryTypeFinding,
		EntryTypeSubmission, EntryTypeVerification, EntryTypeAuditorSession:
		return true
	default:
		return false
	}
}

// IsValid reports whether the action is one of the known actions
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionVerify, ActionAnnotate,
		ActionStart, ActionComplete, ActionFail, ActionLock, ActionCancel,
		ActionCreditNote, ActionStatus, ActionSessionOpen, ActionSessionEnd:
		return true
	default:
		return false
	}
}

var validate = validator.New()

// Draft is the caller-supplied part of an entry. Sequence, hashes and
// timestamp are assigned by the ledger.
type Draft struct {
	EntryType    EntryType   `json:"entry_type" validate:"required"`
	ResourceType string      `json:"resource_type" validate:"required,max=100"`
	ResourceID   string      `json:"resource_id" validate:"required,max=255"`
	Action       Action      `json:"action" validate:"required"`
	DataSnapshot interface{} `json:"data_snapshot"`
	ActorID      string      `json:"actor_id" validate:"required,max=255"`
}

// Validate performs structural validation of the draft
func (d Draft) Validate() error {
	if err := validate.Struct(d); err != nil {
		return errors.NewValidationError("INVALID_ENTRY_DRAFT",
			"ledger entry draft failed validation").WithCause(err)
	}
	if !d.EntryType.IsValid() {
		return errors.NewValidationError("INVALID_ENTRY_TYPE",
			fmt.Sprintf("unknown entry type: %s", d.EntryType))
	}
	if !d.Action.IsValid() {
		return errors.NewValidationError("INVALID_ACTION",
			fmt.Sprintf("unknown action: %s", d.Action))
	}
	return nil
}

// Entry represents one immutable fact in an organization's audit history
type Entry struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EntryType      EntryType       `json:"entry_type"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Action         Action          `json:"action"`
	DataSnapshot   json.RawMessage `json:"data_snapshot"`
	PreviousHash   string          `json:"previous_hash,omitempty"`
	EntryHash      string          `json:"entry_hash"`
	ActorID        string          `json:"actor_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewEntry builds an unsealed entry at the given position. The snapshot is
// canonicalized once here; the stored bytes are what gets hashed from then on.
func NewEntry(organizationID uuid.UUID, sequence values.SequenceNumber, draft Draft, createdAt time.Time) (*Entry, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if organizationID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION_ID",
			"organization ID is required")
	}

	snapshot, err := values.CanonicalJSON(draft.DataSnapshot)
	if err != nil {
		return nil, err
	}

	return &Entry{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		SequenceNumber: sequence.Value(),
		EntryType:      draft.EntryType,
		ResourceType:   draft.ResourceType,
		ResourceID:     draft.ResourceID,
		Action:         draft.Action,
		DataSnapshot:   snapshot,
		ActorID:        draft.ActorID,
		CreatedAt:      createdAt.UTC().Truncate(time.Microsecond),
	}, nil
}

// Seal links the entry to its predecessor and computes its hash. An entry
// can be sealed exactly once.
func (e *Entry) Seal(previousHash string) (string, error) {
	if e.EntryHash != "" {
		return "", errors.NewValidationError("ENTRY_SEALED",
			"cannot compute hash on sealed entry")
	}

	e.PreviousHash = previousHash
	e.EntryHash = e.ComputeHash()
	return e.EntryHash, nil
}

// IsSealed reports whether the entry carries a hash
func (e *Entry) IsSealed() bool {
	return e.EntryHash != ""
}

// ComputeHash recomputes H(canonical(entry minus entry_hash) ++ previous_hash)
// from the entry's current field values.
func (e *Entry) ComputeHash() string {
	h := sha256.New()
	h.Write(e.CanonicalBytes())
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalBytes renders the hashed fields with sorted keys. The data
// snapshot is embedded verbatim so that any byte change in storage is
// visible to the hash.
func (e *Entry) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "action", string(e.Action))
	buf.WriteByte(',')
	writeField(&buf, "actor_id", e.ActorID)
	buf.WriteByte(',')
	writeField(&buf, "created_at", values.FormatCanonicalTime(e.CreatedAt))
	buf.WriteString(`,"data_snapshot":`)
	if len(e.DataSnapshot) == 0 {
		buf.WriteString("null")
	} else {
		buf.Write(e.DataSnapshot)
	}
	buf.WriteByte(',')
	writeField(&buf, "entry_type", string(e.EntryType))
	buf.WriteByte(',')
	writeField(&buf, "resource_id", e.ResourceID)
	buf.WriteByte(',')
	writeField(&buf, "resource_type", e.ResourceType)
	buf.WriteString(`,"sequence_number":`)
	buf.WriteString(strconv.FormatInt(e.SequenceNumber, 10))
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, key, value string) {
	k, _ := json.Marshal(key)
	v, _ := json.Marshal(value)
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
}

// Clone creates a deep copy of the entry
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.DataSnapshot != nil {
		clone.DataSnapshot = append(json.RawMessage(nil), e.DataSnapshot...)
	}
	return &clone
}
