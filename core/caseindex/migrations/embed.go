package migrations

import "embed"

// FS contains the case index schema migrations.
//
//go:embed *.sql
var FS embed.FS
