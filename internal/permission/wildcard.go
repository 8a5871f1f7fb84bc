package permission

import "github.com/bmatcuk/doublestar/v4"

// Match reports whether value matches pattern. "*" matches anything;
// otherwise glob semantics apply (exact match, wildcard segments such as
// "*.env" or "git *"). Used identically for permission names and probe
// patterns.
func Match(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		// A malformed pattern matches nothing.
		return false
	}
	return ok
}
