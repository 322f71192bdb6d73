package policy

import (
	"path"
	"strings"
)

// PathResolver resolves symlinks for a candidate path. Injected so
// the engine itself performs no I/O; the lexical fallback is used
// when nil or on resolver error.
type PathResolver func(path string) (string, error)

// NormalizePath canonicalizes a path for rule matching: "~" expands
// to home, the optional resolver maps symlinks to their targets, and
// only then are "." and ".." collapsed. Collapsing before symlink
// resolution would let "link/../secret" escape the rules.
func NormalizePath(p, home, cwd string, resolver PathResolver) string {
	if p == "" {
		return ""
	}
	if p == "~" {
		p = home
	} else if strings.HasPrefix(p, "~/") {
		p = home + p[1:]
	}
	if !strings.HasPrefix(p, "/") && cwd != "" {
		p = cwd + "/" + p
	}
	if resolver != nil {
		if resolved, err := resolver(p); err == nil && resolved != "" {
			p = resolved
		}
	}
	return path.Clean(p)
}

// NormalizeHost lowercases a host and strips the trailing dot of a
// fully-qualified name, plus any port or bracket that leaked in.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return host
}
