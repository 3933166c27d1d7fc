// Package migrations embeds the router's SQL migrations for golang-migrate's
// iofs source driver, matching the teacher's convention of identifier-named,
// lexicographically-applied migrations (spec §6 "Persistent state layout").
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
