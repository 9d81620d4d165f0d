package extractor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

const (
	// DefaultMaxFileBytes is the largest file read into the index
	DefaultMaxFileBytes = 1 << 20

	// binarySniffLen is how many leading bytes are checked for NUL
	binarySniffLen = 8000
)

// DefaultSkipDirs lists dependency and build directories that are never
// scanned. Hidden directories are skipped separately.
var DefaultSkipDirs = []string{
	"node_modules", "vendor", "dist", "build", "target", "__pycache__", ".git",
}

// Skip reasons reported on Document.SkipReason.
const (
	ReasonTooLarge = "file exceeds size limit"
	ReasonBinary   = "binary content"
)

// Config bounds extraction.
type Config struct {
	MaxFileBytes int64
	SkipDirs     []string
}

// Candidate is a regular file found under a snapshot root.
type Candidate struct {
	Path    string // slash separated, relative to the root
	AbsPath string
	Size    int64
}

// Document is the extracted text of one candidate.
type Document struct {
	Path        string
	Content     string
	Checksum    string // hex SHA-256 of the raw bytes
	SizeBytes   int64
	Language    string
	ContentKind string
	Skipped     bool
	SkipReason  string
}

// Extractor turns a snapshot directory into document texts.
type Extractor struct {
	maxFileBytes int64
	skipDirs     map[string]struct{}
	logger       *slog.Logger
}

// New creates an Extractor. Zero values fall back to the defaults.
func New(cfg Config) *Extractor {
	e := &Extractor{
		maxFileBytes: cfg.MaxFileBytes,
		skipDirs:     make(map[string]struct{}),
		logger:       logging.NewModuleLogger("extractor", "scan"),
	}
	if e.maxFileBytes <= 0 {
		e.maxFileBytes = DefaultMaxFileBytes
	}
	dirs := cfg.SkipDirs
	if len(dirs) == 0 {
		dirs = DefaultSkipDirs
	}
	for _, d := range dirs {
		e.skipDirs[d] = struct{}{}
	}
	return e
}

// Scan walks root and returns every regular file that is not hidden and not
// inside a skipped directory, sorted by path.
func (e *Extractor) Scan(root string) ([]Candidate, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSnapshotUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", types.ErrSnapshotUnreadable, root)
	}

	var candidates []Candidate
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			e.logger.Warn("skipping unreadable path", "path", p, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, skip := e.skipDirs[name]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			e.logger.Warn("skipping file without info", "path", p, "error", err)
			return nil
		}
		candidates = append(candidates, Candidate{
			Path:    filepath.ToSlash(rel),
			AbsPath: p,
			Size:    fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSnapshotUnreadable, err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Path < candidates[j].Path
	})
	return candidates, nil
}

// Read loads a candidate. Oversized and binary files come back with
// Skipped set; only I/O failures are returned as errors.
func (e *Extractor) Read(c Candidate) (*Document, error) {
	doc := &Document{
		Path:      c.Path,
		SizeBytes: c.Size,
		Language:  LanguageFor(c.Path),
	}
	if c.Size > e.maxFileBytes {
		doc.Skipped = true
		doc.SkipReason = ReasonTooLarge
		return doc, nil
	}

	data, err := os.ReadFile(c.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.Path, err)
	}
	doc.SizeBytes = int64(len(data))
	if doc.SizeBytes > e.maxFileBytes {
		doc.Skipped = true
		doc.SkipReason = ReasonTooLarge
		return doc, nil
	}

	sum := sha256.Sum256(data)
	doc.Checksum = hex.EncodeToString(sum[:])
	doc.ContentKind = mimetype.Detect(data).String()

	if IsBinary(data) {
		doc.Skipped = true
		doc.SkipReason = ReasonBinary
		return doc, nil
	}
	doc.Content = string(data)
	return doc, nil
}

// IsBinary reports whether data holds a NUL byte in its first 8000 bytes or
// is not valid UTF-8.
func IsBinary(data []byte) bool {
	head := data
	if len(head) > binarySniffLen {
		head = head[:binarySniffLen]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

var languages = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "tsx",
	".java":  "java",
	".kt":    "kotlin",
	".scala": "scala",
	".swift": "swift",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".c":     "c",
	".h":     "c",
	".cs":    "c_sharp",
	".go":    "go",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".ex":    "elixir",
	".exs":   "elixir",
	".el":    "elisp",
	".ml":    "ocaml",
	".r":     "r",
	".elm":   "elm",
	".ql":    "ql",
	".sql":   "sql",
	".sh":    "shell",
	".bash":  "shell",
	".html":  "html",
	".css":   "css",
	".md":    "markdown",
	".rst":   "rst",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".proto": "protobuf",
}

// LanguageFor maps a path's extension to a language name. Unknown
// extensions map to "text".
func LanguageFor(p string) string {
	if lang, ok := languages[strings.ToLower(path.Ext(p))]; ok {
		return lang
	}
	return "text"
}
