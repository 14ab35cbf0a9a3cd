// Package dbmigrations exposes the SQL migrations embedded into execgate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
