// Package migrations embeds the SQL schema applied by revdoc.MigrateUp.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
