// Package identity models the acting user as supplied by the authentication
// collaborator. The engine never issues identities; it only consumes claims.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Role is the organization-level role claim of an actor.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
	RoleViewer     Role = "viewer"
	RoleAuditor    Role = "auditor"
)

// ParseRole validates a role claim.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleAccountant, RoleViewer, RoleAuditor:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// Actor is the identity performing an operation.
type Actor struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Role           Role      `json:"role"`
	// AuditorFlag mirrors the is_auditor claim; external auditors may be
	// provisioned with any base role and still be restricted.
	AuditorFlag bool `json:"is_auditor"`
}

// IsAuditor reports whether the actor must be treated as a read-only
// auditor.
func (a Actor) IsAuditor() bool {
	return a.AuditorFlag || a.Role == RoleAuditor
}

// IsOwner reports whether the actor holds the owner role.
func (a Actor) IsOwner() bool {
	return a.Role == RoleOwner
}
