// Package migrations embeds SQL migration files so schema setup works
// regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, containing all .sql files in
// this directory in lexical apply order.
//
//go:embed *.sql
var FS embed.FS
