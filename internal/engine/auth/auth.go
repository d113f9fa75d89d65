package auth

import (
	"fmt"
	"strings"

	"stegops/internal/domain"
)

const (
	TrustOwner        domain.TrustLevel = "OWNER"
	TrustMember       domain.TrustLevel = "MEMBER"
	TrustCollaborator domain.TrustLevel = "COLLABORATOR"
	TrustContributor  domain.TrustLevel = "CONTRIBUTOR"
	TrustNone         domain.TrustLevel = "NONE"
)

// Permissions understood by the HTTP API.
const (
	PermEventsWrite         = "events.write"
	PermEngagementsRead     = "engagements.read"
	PermEngagementsValidate = "engagements.validate"
	PermAll                 = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// NormalizeTrust upper-cases and trims a raw author association.
func NormalizeTrust(raw string) domain.TrustLevel {
	return domain.TrustLevel(strings.ToUpper(strings.TrimSpace(raw)))
}

// TrustPolicy decides which commenters may confirm a payment.
type TrustPolicy struct {
	Authorized []domain.TrustLevel
}

func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{Authorized: []domain.TrustLevel{TrustOwner, TrustMember, TrustCollaborator}}
}

// NewTrustPolicy builds a policy from configured level names.
func NewTrustPolicy(levels []string) TrustPolicy {
	p := TrustPolicy{}
	for _, l := range levels {
		if t := NormalizeTrust(l); t != "" {
			p.Authorized = append(p.Authorized, t)
		}
	}
	return p
}

// Allows reports whether level is authorized. An empty level never is.
func (p TrustPolicy) Allows(level domain.TrustLevel) bool {
	level = NormalizeTrust(string(level))
	if level == "" {
		return false
	}
	for _, a := range p.Authorized {
		if a == level {
			return true
		}
	}
	return false
}

// RolePermissions maps API key roles to the permissions they grant.
var RolePermissions = map[string][]string{
	"admin":     {PermAll},
	"ingest":    {PermEventsWrite, PermEngagementsRead},
	"reader":    {PermEngagementsRead},
	"validator": {PermEngagementsRead, PermEngagementsValidate},
}

// PermissionsForRoles unions the permissions of every known role.
func PermissionsForRoles(roles []string) []string {
	var out []string
	for _, r := range roles {
		out = append(out, RolePermissions[r]...)
	}
	return domain.SortedSet(out)
}

// HasPermission reports whether perms contains perm or the wildcard.
func HasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError when perm is missing.
func Require(perms []string, perm string) error {
	if HasPermission(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
