package policy

import (
	"regexp"
	"strings"
)

// matchPattern implements spec §4.4's glob algorithm exactly: exact match
// first; "*"/"**" mean "match everything"; otherwise escape regex
// metacharacters and substitute **→.*, *→[^/]*, ?→., anchored ^…$.
//
// No pack glob library (including bmatcuk/doublestar, seen in
// compozy-compozy's go.mod) implements this precise algorithm: doublestar's
// "**" requires alignment on path-segment boundaries, while this spec's
// "**" is a blanket ".*" regardless of segment boundaries. Reproducing the
// spec's exact semantics through a general-purpose glob library would mean
// fighting its segment-alignment rules rather than using them, so this is
// hand-rolled against regexp, with the conversion cached per pattern.
// MatchPattern exports matchPattern for other components that need the
// exact same glob algorithm against a name — currently the Token Validator's
// serverAccess pattern matching (spec §4.6), which must use the identical
// semantics as policy pattern matching rather than a second hand-rolled copy.
func MatchPattern(pattern, name string) bool {
	return matchPattern(pattern, name)
}

func matchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if pattern == "*" || pattern == "**" {
		return true
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

var patternCache = newPatternCacheTable()

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
	if err == nil {
		patternCache.put(pattern, re)
	}
	return re, err
}

func globToRegex(pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case runes[i] == '*':
			b.WriteString("[^/]*")
		case runes[i] == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	return b.String()
}
