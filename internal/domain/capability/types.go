// Package capability implements signed, time-bounded, scoped grants
// that bound what an agent may do. Grants are enforced at the
// dispatcher and cannot be widened by anything an LLM emits.
package capability

import (
	"strings"
	"time"
)

// Category classifies the class of operation a permission covers.
type Category string

const (
	CategoryFilesystem Category = "filesystem"
	CategoryNetwork    Category = "network"
	CategoryShell      Category = "shell"
	CategoryTools      Category = "tools"
	CategoryMemory     Category = "memory"
	CategoryLLM        Category = "llm"
	CategorySecrets    Category = "secrets"
	CategoryAgents     Category = "agents"
	CategoryAdmin      Category = "admin"
	CategorySystem     Category = "system"
	CategorySkill      Category = "skill"
	CategorySocial     Category = "social"
)

// validCategories is the closed set of recognized categories.
var validCategories = map[Category]bool{
	CategoryFilesystem: true, CategoryNetwork: true, CategoryShell: true,
	CategoryTools: true, CategoryMemory: true, CategoryLLM: true,
	CategorySecrets: true, CategoryAgents: true, CategoryAdmin: true,
	CategorySystem: true, CategorySkill: true, CategorySocial: true,
}

// Valid reports whether c is a recognized category.
func (c Category) Valid() bool { return validCategories[c] }

// Permission is one scoped grant line: a category, a set of actions,
// and an optional resource pattern.
type Permission struct {
	// Category is the operation class (filesystem, network, ...).
	Category Category `json:"category"`
	// Actions names the permitted verbs within the category
	// ("read", "write", "call", or "*").
	Actions []string `json:"actions"`
	// Resource optionally scopes the permission. Without glob
	// metacharacters it matches exactly and as a "/"-separated
	// prefix; with them it matches as a glob.
	Resource string `json:"resource,omitempty"`
}

// Token is a signed capability grant for one agent.
type Token struct {
	// ID is the token's unique identifier.
	ID string `json:"id"`
	// AgentID is the agent the grant applies to.
	AgentID string `json:"agent_id"`
	// Permissions are the granted permission lines.
	Permissions []Permission `json:"permissions"`
	// GrantedBy is the identity that issued the grant. The "system"
	// identity is trusted unconditionally.
	GrantedBy string `json:"granted_by"`
	// GrantedAt is the issue time (UTC).
	GrantedAt time.Time `json:"granted_at"`
	// ExpiresAt is the expiry time; nil means no expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Purpose is a human-readable justification recorded in audit.
	Purpose string `json:"purpose,omitempty"`
	// Delegatable marks whether this grant may serve as the basis for
	// granting to other agents. Delegation is single hop: a token
	// issued on the strength of a delegatable token is never itself a
	// valid basis for further grants.
	Delegatable bool `json:"delegatable"`
	// Signature is the keyed MAC over the canonical serialization.
	Signature string `json:"signature"`
}

// Expired reports whether the token is past its expiry at the given
// time.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// GrantRequest asks the manager to issue a token.
type GrantRequest struct {
	AgentID     string        `json:"agent_id"`
	Permissions []Permission  `json:"permissions"`
	Duration    time.Duration `json:"duration,omitempty"`
	Purpose     string        `json:"purpose,omitempty"`
	Delegatable bool          `json:"delegatable,omitempty"`
}

// CheckResult is the manager's answer to a capability check.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// TokenID identifies the satisfying token when allowed.
	TokenID string `json:"token_id,omitempty"`
}

// SystemIdentity is the trusted granter identity.
const SystemIdentity = "system"

// hasGlob reports whether a resource contains glob metacharacters.
func hasGlob(resource string) bool {
	return strings.ContainsAny(resource, "*?")
}

// resourceMatches reports whether a permission resource covers a
// requested resource. An empty permission resource covers everything.
// Literal resources match exactly or as a "/"-separated prefix; glob
// resources match segment-wise with "**" crossing separators.
func resourceMatches(permResource, requested string) bool {
	if permResource == "" {
		return true
	}
	if !hasGlob(permResource) {
		return requested == permResource || strings.HasPrefix(requested, permResource+"/")
	}
	return globMatch(permResource, requested)
}

// globMatch matches a "/"-separated glob with "**", "*", and "?".
func globMatch(pattern, value string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(value, "/"))
}

func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	if pattern[0] == "**" {
		for skip := 0; skip <= len(value); skip++ {
			if matchSegments(pattern[1:], value[skip:]) {
				return true
			}
		}
		return false
	}
	if len(value) == 0 {
		return false
	}
	if !matchSegment(pattern[0], value[0]) {
		return false
	}
	return matchSegments(pattern[1:], value[1:])
}

func matchSegment(pattern, value string) bool {
	var pi, vi int
	star := -1
	backtrack := 0
	for vi < len(value) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == value[vi]):
			pi++
			vi++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			backtrack = vi
			pi++
		case star >= 0:
			pi = star + 1
			backtrack++
			vi = backtrack
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// ExpandFilesystemResource applies the grant-time expansion for
// filesystem resources: a literal path P becomes {P, P/**} so both
// the path itself and everything under it are covered. Resources that
// already contain glob metacharacters are kept verbatim.
func ExpandFilesystemResource(resource string) []string {
	if resource == "" || hasGlob(resource) {
		return []string{resource}
	}
	return []string{resource, resource + "/**"}
}
