package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
)

var fixedTime = time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)

func testDraft() Draft {
	return Draft{
		EntryType:    EntryTypeFinancialRecord,
		ResourceType: "invoice",
		ResourceID:   "INV-0001",
		Action:       ActionCreate,
		DataSnapshot: map[string]interface{}{"amount": "1500.50", "customer": "Acme & Sons"},
		ActorID:      "user-1",
	}
}

func TestNewEntry(t *testing.T) {
	orgID := uuid.New()

	t.Run("valid draft", func(t *testing.T) {
		entry, err := NewEntry(orgID, values.FirstSequenceNumber(), testDraft(), fixedTime)
		require.NoError(t, err)

		assert.Equal(t, orgID, entry.OrganizationID)
		assert.Equal(t, int64(1), entry.SequenceNumber)
		assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 123456000, time.UTC), entry.CreatedAt)
		assert.JSONEq(t, `{"amount":"1500.50","customer":"Acme & Sons"}`, string(entry.DataSnapshot))
		assert.False(t, entry.IsSealed())
	})

	t.Run("missing resource id", func(t *testing.T) {
		draft := testDraft()
		draft.ResourceID = ""
		_, err := NewEntry(orgID, values.FirstSequenceNumber(), draft, fixedTime)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("unknown action", func(t *testing.T) {
		draft := testDraft()
		draft.Action = "approve"
		_, err := NewEntry(orgID, values.FirstSequenceNumber(), draft, fixedTime)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, "INVALID_ACTION"))
	})

	t.Run("nil organization", func(t *testing.T) {
		_, err := NewEntry(uuid.Nil, values.FirstSequenceNumber(), testDraft(), fixedTime)
		require.Error(t, err)
	})
}

func TestEntrySeal(t *testing.T) {
	entry, err := NewEntry(uuid.New(), values.FirstSequenceNumber(), testDraft(), fixedTime)
	require.NoError(t, err)

	hash, err := entry.Seal("")
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", hash)
	assert.Equal(t, hash, entry.ComputeHash())

	_, err = entry.Seal("")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, "ENTRY_SEALED"))
}

func TestEntryHashDependsOnPreviousHash(t *testing.T) {
	a, err := NewEntry(uuid.New(), values.FirstSequenceNumber(), testDraft(), fixedTime)
	require.NoError(t, err)
	b := a.Clone()

	ha, err := a.Seal("")
	require.NoError(t, err)
	hb, err := b.Seal("abc")
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestCanonicalBytes(t *testing.T) {
	entry, err := NewEntry(uuid.New(), values.MustNewSequenceNumber(7), testDraft(), fixedTime)
	require.NoError(t, err)

	expected := `{"action":"create","actor_id":"user-1","created_at":"2026-03-14T09:30:00.123456000Z",` +
		`"data_snapshot":{"amount":"1500.50","customer":"Acme & Sons"},"entry_type":"financial_record",` +
		`"resource_id":"INV-0001","resource_type":"invoice","sequence_number":7}`
	assert.Equal(t, expected, string(entry.CanonicalBytes()))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.CanonicalBytes(), &decoded))
}

func TestCanonicalBytesStableAcrossSnapshotFormatting(t *testing.T) {
	orgID := uuid.New()
	d1 := testDraft()
	d1.DataSnapshot = json.RawMessage(`{"b": 1.50, "a": [3, 2]}`)
	d2 := testDraft()
	d2.DataSnapshot = map[string]interface{}{"a": []int{3, 2}, "b": 1.5}

	e1, err := NewEntry(orgID, values.FirstSequenceNumber(), d1, fixedTime)
	require.NoError(t, err)
	e2, err := NewEntry(orgID, values.FirstSequenceNumber(), d2, fixedTime)
	require.NoError(t, err)

	assert.Equal(t, string(e1.CanonicalBytes()), string(e2.CanonicalBytes()))
}

func TestEntryClone(t *testing.T) {
	entry, err := NewEntry(uuid.New(), values.FirstSequenceNumber(), testDraft(), fixedTime)
	require.NoError(t, err)

	clone := entry.Clone()
	clone.DataSnapshot[2] = 'X'
	assert.NotEqual(t, string(entry.DataSnapshot), string(clone.DataSnapshot))
}
