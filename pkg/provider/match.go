package provider

import "strings"

// Match reports whether name matches pattern. Patterns support `*` (any
// run of characters, including none) and `?` (exactly one character) at any
// position; matching is case-sensitive. path.Match is unsuitable here
// because model ids may contain `/` and `[`, which it treats specially.
func Match(pattern, name string) bool {
	p := []rune(pattern)
	n := []rune(name)
	var pi, ni int
	starP, starN := -1, 0
	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			starP, starN = pi, ni
			pi++
		case starP >= 0:
			// Backtrack: let the last `*` swallow one more rune.
			starN++
			pi, ni = starP+1, starN
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// ContainsWildcard reports whether the pattern has glob metacharacters.
// Wildcard-only entries are excluded from the model catalog.
func ContainsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}
