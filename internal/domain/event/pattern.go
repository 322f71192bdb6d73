package event

import "strings"

// MatchChannel reports whether a dotted channel name matches a
// subscriber pattern. Grammar:
//
//	exact      agent.lifecycle
//	*          any channel
//	prefix.*   any channel starting with "prefix."
//	*.suffix   any channel ending with ".suffix"
//	a.*.b      exactly one segment between "a." and ".b"
func MatchChannel(pattern, channel string) bool {
	if pattern == "" || channel == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if pattern == channel {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && !strings.Contains(prefix, "*") {
		return strings.HasPrefix(channel, prefix+".")
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok && !strings.Contains(suffix, "*") {
		return strings.HasSuffix(channel, "."+suffix)
	}

	// Inner wildcards match exactly one segment each.
	ps := strings.Split(pattern, ".")
	cs := strings.Split(channel, ".")
	if len(ps) != len(cs) {
		return false
	}
	for i, p := range ps {
		if p != "*" && p != cs[i] {
			return false
		}
	}
	return true
}
