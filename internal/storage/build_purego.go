//go:build !sqlite_cgo

package storage

// Default build. Uses the pure Go driver, which ships FTS5 and needs no C
// toolchain.

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
