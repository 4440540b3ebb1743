package auth

import (
	"fmt"
	"slices"
)

// Scope is a permission carried by an API key or JWT.
type Scope string

const (
	// ScopeAuditRead allows listing and fetching stored audit events.
	ScopeAuditRead Scope = "audit:read"
	// ScopeAdmin implies every other scope.
	ScopeAdmin Scope = "admin"
)

var knownScopes = []Scope{ScopeAuditRead, ScopeAdmin}

// AllScopes returns every defined scope.
func AllScopes() []Scope {
	return slices.Clone(knownScopes)
}

// ValidateScopes rejects names that are not defined scopes. Keys with an
// unknown scope are a configuration error, not a silently narrower key.
func ValidateScopes(scopes []string) error {
	for _, s := range scopes {
		if !slices.Contains(knownScopes, Scope(s)) {
			return fmt.Errorf("invalid scope: %q", s)
		}
	}
	return nil
}

// HasScope reports whether granted includes required, directly or via admin.
func HasScope(granted []string, required Scope) bool {
	return slices.ContainsFunc(granted, func(s string) bool {
		return Scope(s) == required || Scope(s) == ScopeAdmin
	})
}
