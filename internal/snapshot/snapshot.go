package snapshot

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Progress messages reported while materializing.
const (
	MsgCloning       = "Cloning repository"
	MsgCloneDone     = "Git clone complete, starting indexing"
	MsgExtracting    = "Extracting ZIP"
	MsgExtractDone   = "Extraction complete, starting indexing"
	MsgLocalDir      = "Using local directory"
	sourceDirName    = "src"
	uploadPartSuffix = ".part"
)

var (
	// ErrInvalidGitURL is returned for remotes that are not GitHub repositories
	ErrInvalidGitURL = errors.New("invalid GitHub URL, expected https://github.com/user/repo")

	// ErrInvalidArchive is returned for uploads that are not usable ZIP files
	ErrInvalidArchive = errors.New("invalid ZIP archive")

	// ErrUploadTooLarge is returned when an upload exceeds the byte limit
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
)

var (
	githubHTTPS = regexp.MustCompile(`(?i)^(https?://)?(www\.)?github\.com/[\w\-.]+/[\w\-.]+?(\.git)?/?$`)
	githubSSH   = regexp.MustCompile(`(?i)^git@github\.com:[\w\-.]+/[\w\-.]+?(\.git)?$`)
)

// ValidateGitURL accepts GitHub https and ssh remotes.
func ValidateGitURL(raw string) error {
	u := strings.TrimSpace(raw)
	if githubHTTPS.MatchString(u) || githubSSH.MatchString(u) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidGitURL, raw)
}

// normalizeGitURL adds a scheme and the .git suffix to https remotes.
func normalizeGitURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasPrefix(strings.ToLower(u), "git@") {
		return u
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	if !strings.HasSuffix(strings.ToLower(u), ".git") {
		u += ".git"
	}
	return u
}

// DisplayName derives a repository title from its source locator: the last
// path segment without .git or .zip, lower-cased. fallback is used when
// nothing usable remains.
func DisplayName(kind storage.SourceKind, uri, fallback string) string {
	u := strings.TrimRight(strings.TrimSpace(uri), "/\\")
	if u == "" {
		return fallback
	}
	if kind == storage.SourceGit {
		if i := strings.LastIndex(u, ":"); i >= 0 && !strings.Contains(u, "://") {
			u = u[i+1:]
		}
	}
	base := path.Base(filepath.ToSlash(u))
	lower := strings.ToLower(base)
	switch {
	case kind == storage.SourceGit && strings.HasSuffix(lower, ".git"):
		base = base[:len(base)-len(".git")]
	case kind == storage.SourceUpload:
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" || base == "." || base == "/" {
		return fallback
	}
	return base
}

// Default limits for extracted archives.
const (
	DefaultMaxExtractBytes int64 = 2 << 30
	DefaultMaxExtractFiles       = 100000
)

// Reporter receives human readable progress messages.
type Reporter func(msg string)

// Materializer turns repository sources into directories on disk. Git and
// upload sources live under baseDir/<repoID>; local sources are used in
// place.
type Materializer struct {
	baseDir         string
	gitBinary       string
	validateURL     func(string) error
	maxExtractBytes int64
	maxExtractFiles int
	logger          *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithExtractLimits caps the total decompressed size and the number of
// entries of an uploaded archive. Non-positive values keep the defaults.
func WithExtractLimits(maxBytes int64, maxFiles int) Option {
	return func(m *Materializer) {
		if maxBytes > 0 {
			m.maxExtractBytes = maxBytes
		}
		if maxFiles > 0 {
			m.maxExtractFiles = maxFiles
		}
	}
}

// New creates a Materializer rooted at baseDir.
func New(baseDir string, opts ...Option) *Materializer {
	m := &Materializer{
		baseDir:         baseDir,
		gitBinary:       "git",
		validateURL:     ValidateGitURL,
		maxExtractBytes: DefaultMaxExtractBytes,
		maxExtractFiles: DefaultMaxExtractFiles,
		logger:          logging.NewModuleLogger("snapshot", "materializer"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the managed directory of a repository.
func (m *Materializer) Dir(repoID string) string {
	return filepath.Join(m.baseDir, repoID)
}

// Managed reports whether p lies inside the managed directory tree.
func (m *Materializer) Managed(p string) bool {
	base, err := filepath.Abs(m.baseDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, base+string(os.PathSeparator))
}

// Materialize produces the snapshot root for a source.
//   - git: shallow clone into the managed directory, replacing an older clone
//   - upload: uri is the stored archive; it is extracted into the managed directory
//   - local: uri must be an existing directory
func (m *Materializer) Materialize(ctx context.Context, repoID string, kind storage.SourceKind, uri string, report Reporter) (string, error) {
	if report == nil {
		report = func(string) {}
	}
	switch kind {
	case storage.SourceGit:
		return m.clone(ctx, repoID, uri, report)
	case storage.SourceUpload:
		return m.extract(ctx, repoID, uri, report)
	case storage.SourceLocal:
		report(MsgLocalDir)
		info, err := os.Stat(uri)
		if err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrSnapshotUnreadable, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s is not a directory", types.ErrSnapshotUnreadable, uri)
		}
		return uri, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", kind)
	}
}

func (m *Materializer) clone(ctx context.Context, repoID, uri string, report Reporter) (string, error) {
	if err := m.validateURL(uri); err != nil {
		return "", err
	}
	report(MsgCloning)

	dir := m.Dir(repoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.MkdirTemp(dir, "clone-")
	if err != nil {
		return "", fmt.Errorf("failed to create clone directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	remote := uri
	if !strings.HasPrefix(uri, "file://") && !filepath.IsAbs(uri) {
		remote = normalizeGitURL(uri)
	}
	target := filepath.Join(tmp, "repo")
	cmd := exec.CommandContext(ctx, m.gitBinary, "clone", "--depth", "1", "--quiet", remote, target)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: git clone failed: %v: %s", types.ErrSnapshotUnreadable, err, strings.TrimSpace(string(out)))
	}

	root := filepath.Join(dir, sourceDirName)
	if err := os.RemoveAll(root); err != nil {
		return "", fmt.Errorf("failed to remove previous clone: %w", err)
	}
	if err := os.Rename(target, root); err != nil {
		return "", fmt.Errorf("failed to move clone into place: %w", err)
	}
	m.logger.Info("cloned repository", "repo_id", repoID, "remote", remote)
	report(MsgCloneDone)
	return root, nil
}

// SaveUpload stores an uploaded archive under the managed directory and
// returns its path. A missing .zip suffix is added. At most maxBytes are
// accepted when maxBytes > 0.
func (m *Materializer) SaveUpload(repoID, filename string, r io.Reader, maxBytes int64) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(os.PathSeparator) {
		name = repoID + ".zip"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}

	dir := m.Dir(repoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	final := filepath.Join(dir, name)
	part := final + uploadPartSuffix

	f, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrUploadTooLarge
	}
	if err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return final, nil
}

func (m *Materializer) extract(ctx context.Context, repoID, archive string, report Reporter) (string, error) {
	if !strings.HasSuffix(strings.ToLower(archive), ".zip") {
		return "", fmt.Errorf("%w: %s does not end in .zip", ErrInvalidArchive, filepath.Base(archive))
	}
	report(MsgExtracting)

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer func() { _ = zr.Close() }()

	root := filepath.Join(m.Dir(repoID), sourceDirName)
	if err := os.RemoveAll(root); err != nil {
		return "", fmt.Errorf("failed to remove previous extraction: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	if len(zr.File) > m.maxExtractFiles {
		return "", fmt.Errorf("%w: archive has %d entries, limit is %d",
			types.ErrSnapshotUnreadable, len(zr.File), m.maxExtractFiles)
	}
	remaining := m.maxExtractBytes
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := extractFile(root, f, remaining)
		if err != nil {
			return "", err
		}
		remaining -= n
	}

	m.logger.Info("extracted archive", "repo_id", repoID, "files", len(zr.File))
	report(MsgExtractDone)
	return singleTopDir(root), nil
}

// extractFile writes one archive entry below root and returns the bytes
// written. Entries that would land outside root are rejected, and so is an
// entry that would push the extraction past budget bytes.
func extractFile(root string, f *zip.File, budget int64) (int64, error) {
	target := filepath.Join(root, filepath.FromSlash(f.Name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return 0, fmt.Errorf("%w: entry %q escapes the archive root", ErrInvalidArchive, f.Name)
	}

	mode := f.Mode()
	switch {
	case mode.IsDir():
		return 0, os.MkdirAll(target, 0o755)
	case !mode.IsRegular():
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	// The header's size is not trusted; the copy itself is bounded.
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if n > budget {
		_ = os.Remove(target)
		return n, fmt.Errorf("%w: archive expands beyond the extraction limit", types.ErrSnapshotUnreadable)
	}
	return n, nil
}

// singleTopDir descends into the only entry of root when that entry is a
// directory, as with archives that wrap everything in "<name>-main/".
func singleTopDir(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return root
	}
	return filepath.Join(root, entries[0].Name())
}

// Remove deletes the managed directory of a repository. Missing
// directories are not an error.
func (m *Materializer) Remove(repoID string) error {
	if repoID == "" {
		return nil
	}
	if err := os.RemoveAll(m.Dir(repoID)); err != nil {
		return fmt.Errorf("failed to remove snapshot directory: %w", err)
	}
	return nil
}
