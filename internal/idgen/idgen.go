// Package idgen generates the short, URL-safe, kind-prefixed identifiers
// used for every entity in the router (spec §3): "server-…", "token-…",
// "policy-…", "approval-…", "audit-…".
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns "<prefix>-<16 lowercase base32 chars>".
func New(prefix string) string {
	buf := make([]byte, 10)
	_, _ = rand.Read(buf)
	return prefix + "-" + strings.ToLower(encoding.EncodeToString(buf))
}
