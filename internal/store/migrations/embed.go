// Package migrations embeds the SQL schema migrations for the relay store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
