// Package migrations embeds the schema files so the binary can migrate the
// database without shipping SQL files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
