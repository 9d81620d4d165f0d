//go:build sqlite_cgo

package storage

// Compiled with the sqlite_cgo tag. Uses the cgo driver, which needs FTS5
// enabled at build time:
//
//	CGO_ENABLED=1 go build -tags "sqlite_cgo,sqlite_fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
