package migrations

import "embed"

// FS holds the schema migrations of every supported dialect
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
