// Package dbmigrations exposes embedded SQL migrations for collector binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into collector binaries.
//
//go:embed *.sql
var Files embed.FS
