// Package migrations embeds the SQL schema migrations applied by
// "ehr-server migrate up".
package migrations

import "embed"

// FS holds the NNN_name.sql files.
//
//go:embed *.sql
var FS embed.FS
