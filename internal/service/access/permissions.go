package access

import (
	"context"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
)

// Auditor allow and deny lists. Anything on neither list is denied too.
var (
	AuditorAllowed = []access.Action{access.ActionRead, access.ActionList, access.ActionExport}
	AuditorDenied  = []access.Action{
		access.ActionCreate, access.ActionUpdate, access.ActionDelete,
		access.ActionApprove, access.ActionVerify, access.ActionCancel,
	}
)

func auditorMayPerform(action access.Action) bool {
	for _, a := range AuditorAllowed {
		if a == action {
			return true
		}
	}
	return false
}

// PermissionChecker decides actions of non-auditor actors
type PermissionChecker interface {
	Permit(ctx context.Context, actor identity.Actor, action access.Action, resourceType string) error
}

// RolePermissions is a static role to action matrix
type RolePermissions map[identity.Role][]access.Action

// DefaultRolePermissions grants owners and admins everything, accountants
// everything except approval and cancellation, and viewers read access
func DefaultRolePermissions() RolePermissions {
	all := []access.Action{
		access.ActionRead, access.ActionList, access.ActionExport,
		access.ActionCreate, access.ActionUpdate, access.ActionDelete,
		access.ActionApprove, access.ActionVerify, access.ActionCancel,
	}
	return RolePermissions{
		identity.RoleOwner: all,
		identity.RoleAdmin: all,
		identity.RoleAccountant: {
			access.ActionRead, access.ActionList, access.ActionExport,
			access.ActionCreate, access.ActionUpdate, access.ActionVerify,
		},
		identity.RoleViewer: {access.ActionRead, access.ActionList},
	}
}

// Permit implements PermissionChecker
func (p RolePermissions) Permit(ctx context.Context, actor identity.Actor, action access.Action, resourceType string) error {
	for _, a := range p[actor.Role] {
		if a == action {
			return nil
		}
	}
	return errors.NewActionDeniedError(actor.ID.String(), string(action), resourceType)
}
