// Package snapshot materializes repository sources on disk.
//
// Git remotes are shallow-cloned with the git binary, ZIP uploads are
// extracted with a path traversal guard, and local directories are used as
// they are. Managed snapshots live under <snapshot_dir>/<repo id>/src.
package snapshot
