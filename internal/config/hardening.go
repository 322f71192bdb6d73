package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Agent-Gate/agentgate/internal/domain/policy"
)

// placeholderSecrets are values that ship in examples and must never
// reach production.
var placeholderSecrets = map[string]bool{
	"changeme":    true,
	"change-me":   true,
	"secret":      true,
	"dev-secret":  true,
	"default":     true,
	"placeholder": true,
	"test":        true,
}

// minSigningSecretLen is the shortest signing secret the gate accepts
// in production.
const minSigningSecretLen = 32

// HardeningReport lists what blocks startup and what merely deserves
// attention.
type HardeningReport struct {
	Failures []string
	Warnings []string
}

// OK reports whether startup may proceed.
func (r HardeningReport) OK() bool {
	return len(r.Failures) == 0
}

// HardeningEnabled reports whether the production gate applies.
func (c *Config) HardeningEnabled() bool {
	return c.EnforceHardening || c.Environment == "production"
}

// CheckHardening evaluates the production posture. signingSecret is
// the already-resolved permission signing secret and rules the loaded
// rule set (nil when no rules file is configured). Callers abort
// startup when the gate is enabled and the report has failures.
func (c *Config) CheckHardening(signingSecret string, rules *policy.RuleSet) HardeningReport {
	var r HardeningReport

	c.checkWorkerIsolation(&r)
	c.checkEgress(&r)
	c.checkLogLevel(&r)
	c.checkSigningSecret(signingSecret, &r)
	c.checkDatabase(&r)
	c.checkPolicy(rules, &r)

	return r
}

func (c *Config) checkWorkerIsolation(r *HardeningReport) {
	w := c.Agents.Worker
	// "local" is the explicit name for the no-container runtime.
	if w.Runtime == "" || w.Runtime == "local" {
		if c.Agents.AllowUnsafeLocalWorkers {
			r.Warnings = append(r.Warnings,
				"workers run as direct child processes (allow_unsafe_local_workers)")
			return
		}
		// An unset runtime with no worker command means spawning is
		// disabled entirely, which is a legal evaluate-only posture.
		if w.Runtime == "local" || w.Command != "" {
			r.Failures = append(r.Failures,
				"agent workers require a container runtime in production; set agents.worker.runtime or allow_unsafe_local_workers")
		}
		return
	}
	for _, gap := range w.ContainerConfig().HardeningGaps() {
		r.Failures = append(r.Failures, fmt.Sprintf("container hardening: %s", gap))
	}
}

func (c *Config) checkEgress(r *HardeningReport) {
	if c.Agents.Worker.DisableNetwork {
		return
	}
	if c.Agents.EgressProxyURL == "" {
		r.Failures = append(r.Failures,
			"worker egress is unrestricted; set agents.worker.disable_network or agents.egress_proxy_url")
	}
}

func (c *Config) checkLogLevel(r *HardeningReport) {
	switch c.Server.LogLevel {
	case "debug", "trace":
		r.Failures = append(r.Failures,
			fmt.Sprintf("log level %q leaks request detail in production; use info or higher", c.Server.LogLevel))
	}
}

func (c *Config) checkSigningSecret(secret string, r *HardeningReport) {
	ref := c.Permissions.SigningSecret
	if !ref.IsZero() && ref.Type == "" && ref.Value != "" {
		r.Failures = append(r.Failures,
			"permissions.signing_secret is an inline literal; use an env, file, or vault reference")
	}
	if secret == "" {
		r.Failures = append(r.Failures, "permission signing secret is not set")
		return
	}
	if len(secret) < minSigningSecretLen {
		r.Failures = append(r.Failures,
			fmt.Sprintf("permission signing secret is %d chars, minimum is %d", len(secret), minSigningSecretLen))
	}
	if placeholderSecrets[strings.ToLower(secret)] {
		r.Failures = append(r.Failures, "permission signing secret is a placeholder value")
	}
}

func (c *Config) checkDatabase(r *HardeningReport) {
	if c.Database.URL == "" || c.Database.SSL {
		return
	}
	if isLocalDatabase(c.Database.URL) {
		r.Warnings = append(r.Warnings, "database connection to localhost without SSL")
		return
	}
	r.Failures = append(r.Failures,
		"remote database connections require SSL; set database.ssl")
}

// isLocalDatabase reports whether the URL targets the local host.
func isLocalDatabase(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == ""
}

func (c *Config) checkPolicy(rules *policy.RuleSet, r *HardeningReport) {
	if rules == nil {
		r.Warnings = append(r.Warnings,
			"no policy rules file configured; every operation will be blocked")
		return
	}
	for domain, def := range map[string]policy.Decision{
		"file":    rules.File.Default,
		"network": rules.Network.Default,
		"shell":   rules.Shell.Default,
	} {
		if def == policy.DecisionAllow {
			r.Failures = append(r.Failures,
				fmt.Sprintf("policy %s default must be block in production", domain))
		}
	}
}
