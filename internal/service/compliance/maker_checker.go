package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
)

// MakerChecker enforces that the creator of a record never verifies it
type MakerChecker struct {
	recorder ledger.Recorder
	clock    values.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewMakerChecker creates a maker-checker
func NewMakerChecker(recorder ledger.Recorder, logger *zap.Logger, opts ...Option) *MakerChecker {
	o := buildOptions(opts)
	return &MakerChecker{
		recorder: recorder,
		clock:    o.clock,
		logger:   logger.Named("maker_checker"),
		metrics:  o.metrics,
	}
}

// Verify signs off rec on behalf of verifier. The segregation of duties
// check runs first and ignores the verifier's role.
func (c *MakerChecker) Verify(ctx context.Context, rec compliance.VerifiableRecord, verifier identity.Actor) (*compliance.Verification, error) {
	if rec.ID == "" || strings.TrimSpace(rec.CreatedByID) == "" {
		return nil, errors.NewValidationError("INVALID_RECORD", "record id and creator are required")
	}

	var denied *errors.AppError
	switch {
	case isMaker(verifier.ID, rec.CreatedByID):
		denied = errors.NewSegregationOfDutiesError(verifier.ID.String(), rec.ID)
	case verifier.IsAuditor():
		denied = errors.NewActionDeniedError(verifier.ID.String(), "verify", rec.ResourceType)
	}
	if denied != nil {
		c.metrics.RecordPolicyViolation(ctx, denied.Code)
		c.logger.Warn("verification denied",
			zap.String("code", denied.Code),
			zap.String("record_id", rec.ID),
			zap.String("maker_id", rec.CreatedByID),
			zap.String("checker_id", verifier.ID.String()),
			zap.String("role", verifier.Role.String()))
		return nil, denied
	}

	v := &compliance.Verification{
		RecordID:     rec.ID,
		ResourceType: rec.ResourceType,
		MakerID:      rec.CreatedByID,
		CheckerID:    verifier.ID.String(),
		VerifiedAt:   c.clock.Now(),
	}

	resourceType := rec.ResourceType
	if resourceType == "" {
		resourceType = "record"
	}
	if _, err := c.recorder.Append(ctx, rec.OrganizationID, ledger.Draft{
		EntryType:    ledger.EntryTypeVerification,
		ResourceType: resourceType,
		ResourceID:   rec.ID,
		Action:       ledger.ActionVerify,
		DataSnapshot: map[string]interface{}{
			"maker_id":   v.MakerID,
			"checker_id": v.CheckerID,
		},
		ActorID: v.CheckerID,
	}); err != nil {
		return nil, fmt.Errorf("record verification on ledger: %w", err)
	}

	c.logger.Info("record verified",
		zap.String("record_id", rec.ID),
		zap.String("maker_id", v.MakerID),
		zap.String("checker_id", v.CheckerID))
	return v, nil
}

// isMaker reports whether createdBy names the actor id. UUID spellings
// (case, braces, urn prefix) compare by value; other ids compare
// case-insensitively after trimming.
func isMaker(id uuid.UUID, createdBy string) bool {
	createdBy = strings.TrimSpace(createdBy)
	if parsed, err := uuid.Parse(createdBy); err == nil {
		return parsed == id
	}
	return strings.EqualFold(createdBy, id.String())
}
