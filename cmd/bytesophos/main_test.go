package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args against a private data directory.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BYTESOPHOS_DATABASE_PATH", filepath.Join(dir, "db", "bytesophos.db"))
	t.Setenv("BYTESOPHOS_SNAPSHOT_DIR", filepath.Join(dir, "repos"))
	t.Setenv("BYTESOPHOS_EMBEDDING_PROVIDER", "local")
	t.Setenv("BYTESOPHOS_LOG_LEVEL", "error")
	t.Setenv("BYTESOPHOS_CONFIG", "")
}

func TestVersionCmd(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bytesophos version test-version-1.0.0")
	assert.Contains(t, out, "SQLite Driver:")
}

func TestIngestStatusSearchDelete(t *testing.T) {
	setupEnv(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "store.go"),
		[]byte("package store\n\n// Save persists a record.\nfunc Save() error {\n\treturn nil\n}\n"), 0o644))

	out, err := execute(t, "ingest", src, "--name", "store", "--quiet")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Done: 1 documents")

	m := regexp.MustCompile(`Repository (\S+), run`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	repoID := m[1]

	out, err = execute(t, "status", repoID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "status:    indexed")
	assert.Contains(t, out, "store")

	out, err = execute(t, "search", repoID, "persists", "record", "--mode", "lexical", "--limit", "3")
	require.NoError(t, err, out)
	assert.Contains(t, out, "store.go")

	out, err = execute(t, "delete", repoID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Deleted "+repoID)

	_, err = execute(t, "status", repoID)
	assert.Error(t, err)

	// Flags are package state; put them back for other tests.
	ingestName, ingestQuiet = "", false
	searchMode, searchTopK = "hybrid", 10
}

func TestIngestRejectsUnknownSource(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "ingest", "https://example.com/not/github")
	assert.Error(t, err)

	_, err = execute(t, "ingest", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "func Save() error {", firstLine("\n func Save() error {\n\treturn nil\n}"))
	long := bytes.Repeat([]byte("x"), 150)
	assert.Len(t, firstLine(string(long)), 103)
}
