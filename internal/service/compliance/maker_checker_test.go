package compliance

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	domainledger "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
)

func TestVerifySegregationOfDuties(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	roles := []identity.Role{
		identity.RoleOwner, identity.RoleAdmin, identity.RoleAccountant,
		identity.RoleViewer, identity.RoleAuditor,
	}
	for _, role := range roles {
		t.Run(role.String(), func(t *testing.T) {
			maker := identity.Actor{ID: uuid.New(), OrganizationID: f.orgID, Role: role}
			rec := compliance.VerifiableRecord{
				ID:             "TXN-" + maker.ID.String()[:8],
				OrganizationID: f.orgID,
				ResourceType:   "transaction",
				CreatedByID:    maker.ID.String(),
			}

			_, err := f.mc.Verify(ctx, rec, maker)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeSegregationOfDutiesViolation))
		})
	}
	assert.Empty(t, f.entries(t))
}

func TestVerifySegregationOfDutiesIgnoresIDSpelling(t *testing.T) {
	f := setup(t)
	id := f.owner.ID.String()
	spellings := map[string]string{
		"uppercase": strings.ToUpper(id),
		"braced":    "{" + id + "}",
		"urn":       "urn:uuid:" + id,
		"padded":    "  " + id + " ",
	}
	for name, createdBy := range spellings {
		t.Run(name, func(t *testing.T) {
			rec := compliance.VerifiableRecord{
				ID:             "TXN-" + name,
				OrganizationID: f.orgID,
				ResourceType:   "transaction",
				CreatedByID:    createdBy,
			}
			v, err := f.mc.Verify(context.Background(), rec, f.owner)
			require.Error(t, err)
			assert.Nil(t, v)
			assert.True(t, errors.HasCode(err, errors.CodeSegregationOfDutiesViolation))
		})
	}
	assert.Empty(t, f.entries(t))
}

func TestIsMaker(t *testing.T) {
	id := uuid.New()
	assert.True(t, isMaker(id, strings.ToUpper(id.String())))
	assert.False(t, isMaker(id, uuid.NewString()))
	assert.False(t, isMaker(id, "user-1"))
	assert.False(t, isMaker(id, ""))
}

func TestVerifyByDifferentActor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rec := compliance.VerifiableRecord{
		ID:             "TXN-1001",
		OrganizationID: f.orgID,
		ResourceType:   "transaction",
		CreatedByID:    f.acct.ID.String(),
	}

	v, err := f.mc.Verify(ctx, rec, f.owner)
	require.NoError(t, err)
	assert.Equal(t, f.acct.ID.String(), v.MakerID)
	assert.Equal(t, f.owner.ID.String(), v.CheckerID)
	assert.Equal(t, f.clock.Now(), v.VerifiedAt)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domainledger.EntryTypeVerification, entries[0].EntryType)
	assert.Equal(t, domainledger.ActionVerify, entries[0].Action)
	assert.Equal(t, "TXN-1001", entries[0].ResourceID)
	assert.Equal(t, f.owner.ID.String(), entries[0].ActorID)
}

func TestVerifyDeniedForAuditors(t *testing.T) {
	f := setup(t)
	auditor := identity.Actor{ID: uuid.New(), OrganizationID: f.orgID, Role: identity.RoleAdmin, AuditorFlag: true}
	rec := compliance.VerifiableRecord{ID: "TXN-2", OrganizationID: f.orgID, CreatedByID: f.acct.ID.String()}

	_, err := f.mc.Verify(context.Background(), rec, auditor)
	assert.True(t, errors.HasCode(err, errors.CodeActionDenied))

	_, err = f.mc.Verify(context.Background(), compliance.VerifiableRecord{ID: "TXN-3"}, f.owner)
	assert.True(t, errors.HasCode(err, "INVALID_RECORD"))
}
