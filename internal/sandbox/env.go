package sandbox

import "strings"

// envDenyList names variables that must never reach a worker, exact
// match after upcasing.
var envDenyList = map[string]struct{}{
	"OPENAI_API_KEY":        {},
	"ANTHROPIC_API_KEY":     {},
	"GOOGLE_API_KEY":        {},
	"GEMINI_API_KEY":        {},
	"AWS_ACCESS_KEY_ID":     {},
	"AWS_SECRET_ACCESS_KEY": {},
	"AWS_SESSION_TOKEN":     {},
	"GITHUB_TOKEN":          {},
	"GH_TOKEN":              {},
	"NPM_TOKEN":             {},
	"SSH_AUTH_SOCK":         {},
	"SSH_AGENT_PID":         {},
	"GPG_AGENT_INFO":        {},
	"NODE_OPTIONS":          {},
	"PYTHONSTARTUP":         {},
	"LD_PRELOAD":            {},
	"DYLD_INSERT_LIBRARIES": {},
	"DOCKER_HOST":           {},
	"KUBECONFIG":            {},
}

// envDenyPrefixes extend the deny list to variable families.
var envDenyPrefixes = []string{
	"AWS_", "AZURE_", "GCP_", "GOOGLE_CLOUD_", "VAULT_",
}

// envAllowList names the only inherited variables a worker receives.
var envAllowList = map[string]struct{}{
	"PATH":     {},
	"HOME":     {},
	"LANG":     {},
	"LC_ALL":   {},
	"TZ":       {},
	"TMPDIR":   {},
	"TERM":     {},
	"USER":     {},
	"SHELL":    {},
	"HOSTNAME": {},
}

// SanitizeEnv filters the parent environment down to the allow list,
// dropping anything denied, then appends the sandbox-set variables.
// Input and output are KEY=VALUE strings as used by exec.Cmd.Env.
func SanitizeEnv(parent []string, agentID, capabilities, mode string) []string {
	out := make([]string, 0, len(envAllowList)+3)
	for _, kv := range parent {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		if _, denied := envDenyList[upper]; denied {
			continue
		}
		if hasDeniedPrefix(upper) {
			continue
		}
		if _, allowed := envAllowList[upper]; !allowed {
			continue
		}
		out = append(out, kv)
	}
	out = append(out,
		"AGENT_ID="+agentID,
		"CAPABILITIES="+capabilities,
		"MODE="+mode,
	)
	return out
}

func hasDeniedPrefix(name string) bool {
	for _, p := range envDenyPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
