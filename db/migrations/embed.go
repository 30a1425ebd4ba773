// Package dbmigrations exposes embedded SQL migrations for broker binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into broker binaries.
//
//go:embed *.sql
var Files embed.FS
