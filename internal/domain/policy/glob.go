package policy

import "strings"

// globMatch reports whether a glob pattern matches a value split on
// sep. "**" matches any number of segments (including none), "*"
// matches one whole segment or part of a segment, "?" matches a
// single character within a segment.
//
// Paths use "/" as the separator, hosts use ".".
func globMatch(pattern, value string, sep byte) bool {
	ps := strings.Split(pattern, string(sep))
	vs := strings.Split(value, string(sep))
	return matchSegments(ps, vs)
}

// matchSegments matches pattern segments against value segments,
// handling "**" by trying every possible expansion.
func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	if pattern[0] == "**" {
		// "**" absorbs zero or more leading value segments.
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

// matchSegment matches a single glob segment ("*" and "?" only, no
// separator crossing) against a single value segment.
func matchSegment(pattern, value string) bool {
	// Iterative backtracking match, the classic wildcard algorithm.
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

// pathGlobMatch matches a file rule pattern against a normalized
// path. A relative pattern (no leading "/" or "**") matches any
// suffix of the path, so "*.env" blocks env files anywhere.
func pathGlobMatch(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "**") || strings.HasPrefix(pattern, "~") {
		return globMatch(strings.TrimPrefix(pattern, "~"), path, '/')
	}
	return globMatch("**/"+pattern, path, '/')
}

// hostGlobMatch matches a network rule pattern against a normalized
// host, label by label.
func hostGlobMatch(pattern, host string) bool {
	if pattern == "" {
		return false
	}
	return globMatch(pattern, host, '.')
}
