// Package audit defines the append-only audit trail: the entry model,
// redaction of secret-bearing detail fields, and the sink contract
// implemented by the console, file, and database backends.
package audit

import (
	"strings"
	"time"
)

// Outcome of an audited action.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Well-known actors.
const (
	ActorSystem = "system"
)

// Action verbs follow the "verb.noun" convention.
const (
	ActionPolicyEvaluate    = "evaluate.operation"
	ActionCapabilityGrant   = "grant.capability"
	ActionCapabilityRevoke  = "revoke.capability"
	ActionAgentSpawn        = "spawn.agent"
	ActionAgentTerminate    = "terminate.agent"
	ActionAgentTransition   = "transition.agent"
	ActionToolAllowed       = "allow.tool"
	ActionToolDenied        = "deny.tool"
	ActionWorkerExecute     = "execute.task"
	ActionStreamConnect     = "connect.stream"
	ActionStreamAuth        = "authenticate.stream"
	ActionClusterForward    = "forward.request"
	ActionConfigReload      = "reload.config"
)

// Entry is one immutable audit record.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Outcome      string         `json:"outcome"`
	Details      map[string]any `json:"details,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
}

// defaultSecretKeywords flag detail keys whose values must never be
// persisted. Matching is case-insensitive substring.
var defaultSecretKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey", "signature",
}

// Redactor masks secret-bearing detail fields. The zero value uses
// the default keyword set.
type Redactor struct {
	keywords []string
}

// NewRedactor builds a redactor with extra keywords on top of the
// defaults.
func NewRedactor(extra ...string) *Redactor {
	kws := make([]string, 0, len(defaultSecretKeywords)+len(extra))
	kws = append(kws, defaultSecretKeywords...)
	for _, kw := range extra {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			kws = append(kws, kw)
		}
	}
	return &Redactor{keywords: kws}
}

// Redact returns a copy of details with secret values replaced by
// "***REDACTED***". Nested maps are redacted recursively.
func (r *Redactor) Redact(details map[string]any) map[string]any {
	if len(details) == 0 {
		return details
	}
	kws := r.keywords
	if kws == nil {
		kws = defaultSecretKeywords
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSecretKey(k, kws) {
			out[k] = "***REDACTED***"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = r.Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string, keywords []string) bool {
	lower := strings.ToLower(key)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
