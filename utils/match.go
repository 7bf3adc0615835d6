package utils

// MatchPattern matches a value against a pattern where '*' matches any run
// of characters, including none. Matching is anchored: the whole value must
// be consumed, never a substring.
func MatchPattern(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	return matchHere(value, pattern)
}

func matchHere(value, pattern string) bool {
	vi, pi := 0, 0
	starP, starV := -1, 0
	for vi < len(value) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			// remember the star so we can backtrack and widen its span
			starP, starV = pi, vi
			pi++
		case pi < len(pattern) && pattern[pi] == value[vi]:
			pi++
			vi++
		case starP >= 0:
			starV++
			vi = starV
			pi = starP + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// MatchPermission checks a "<resource>:<action>" pair against a permission
// pattern in the fixed precedence order: exact, "<resource>:*", "*:*".
func MatchPermission(resource, action, patResource, patAction string) bool {
	if patResource == "*" && patAction == "*" {
		return true
	}
	if patResource != resource && patResource != "*" {
		return false
	}
	return patAction == action || patAction == "*"
}
