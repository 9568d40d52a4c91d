// Package auth - scopes.go defines the permission scopes carried in bearer tokens
// and provides HasScope, HasAnyScope, and HasAllScopes helper functions for scope checking.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Audit log scopes
	ScopeAuditRead   Scope = "audit:read"
	ScopeAuditWrite  Scope = "audit:write"
	ScopeAuditExport Scope = "audit:export" // Bulk NDJSON export of a time range

	// User management scopes
	ScopeUsersRead  Scope = "users:read"
	ScopeUsersWrite Scope = "users:write"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeAuditRead,
		ScopeAuditWrite,
		ScopeAuditExport,
		ScopeUsersRead,
		ScopeUsersWrite,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if a user has a required scope
// Supports wildcard admin scope
func HasScope(userScopes []string, required Scope) bool {
	requiredStr := string(required)

	for _, scope := range userScopes {
		if scope == requiredStr || scope == string(ScopeAdmin) {
			return true
		}

		// Export implies read; write does not, so ingest-only producers cannot read trails back
		if required == ScopeAuditRead && scope == string(ScopeAuditExport) {
			return true
		}
		if required == ScopeUsersRead && scope == string(ScopeUsersWrite) {
			return true
		}
	}

	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a user has all of the required scopes
func HasAllScopes(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(userScopes, required) {
			return false
		}
	}
	return true
}

// GetDefaultScopes returns the scopes issued when a token request names none
func GetDefaultScopes() []string {
	return []string{
		string(ScopeAuditRead),
		string(ScopeAuditWrite),
	}
}
