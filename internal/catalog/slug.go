package catalog

import (
	"regexp"
	"strings"

	"github.com/gosimple/slug"
)

var exposedNamePattern = regexp.MustCompile(`^([a-z0-9_]+)__(.+)$`)

// Slug implements spec §4.3's `slug = lowercase, non-alphanumeric→"_"`.
// gosimple/slug does the unicode transliteration and lowercasing ("Café
// Tools" → "cafe-tools") but joins words with "-", which parseExposedName's
// `^([a-z0-9_]+)__(.+)$` can't recover (hyphen isn't in that character
// class) — so the library's separator is remapped to "_" after it runs,
// keeping its transliteration behavior while matching the spec's exact
// character set for the server-slug half of an exposed name.
func Slug(serverName string) string {
	return strings.ReplaceAll(slug.Make(serverName), "-", "_")
}

// ExposedName is `slug(serverName) + "__" + rawName` (spec §3 "Tool").
func ExposedName(serverSlug, rawName string) string {
	return serverSlug + "__" + rawName
}

// ParseExposedName recovers (serverSlug, rawName) from an exposed name.
func ParseExposedName(exposed string) (serverSlug, rawName string, ok bool) {
	m := exposedNamePattern.FindStringSubmatch(exposed)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
