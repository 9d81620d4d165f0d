package chunker

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AILab-FOI/bytesophos/internal/parser"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

const (
	// DefaultMaxChars is the maximum chunk length in bytes
	DefaultMaxChars = 10000

	// DefaultOverlap is how far the next chunk reaches back into the previous one
	DefaultOverlap = 200
)

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxChars sets the maximum chunk length. Values <= 0 are ignored.
func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// WithOverlap sets the overlap between consecutive chunks. Negative values
// are ignored.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// WithTokenCounter replaces the token counter used for Chunk.TokenCount.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Chunker) {
		if tc != nil {
			c.tokens = tc
		}
	}
}

// Chunker splits document text into bounded, overlapping chunks.
type Chunker struct {
	maxChars int
	overlap  int
	tokens   TokenCounter
	parser   *parser.Parser
}

// New creates a new Chunker instance
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxChars: DefaultMaxChars,
		overlap:  DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxChars {
		c.overlap = c.maxChars / 4
	}
	if c.tokens == nil {
		c.tokens = DefaultTokenCounter()
	}
	c.parser = parser.New()
	return c
}

// MaxChars returns the configured chunk bound.
func (c *Chunker) MaxChars() int { return c.maxChars }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into chunks of at most MaxChars bytes. Whitespace-only
// spans are dropped and the remaining chunks are indexed from zero.
func (c *Chunker) Split(text, language string) []types.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var decls []int
	if language == "go" {
		decls = c.parser.Boundaries([]byte(text))
	}
	lines := lineStarts(text)

	var (
		chunks []types.Chunk
		pos    int
	)
	for pos < len(text) {
		end := pos + c.maxChars
		cut := len(text)
		if end < len(text) {
			cut = c.bestCut(text, pos, end, decls)
		}

		content := text[pos:cut]
		if strings.TrimSpace(content) != "" {
			chunk := types.Chunk{
				Index:       len(chunks),
				Content:     content,
				Hash:        types.ComputeChunkHash(pos, content),
				StartOffset: pos,
				EndOffset:   cut,
				StartLine:   lineAt(lines, pos),
				EndLine:     lineAt(lines, cut-1),
				TokenCount:  c.tokens.Count(content),
			}
			chunks = append(chunks, chunk)
		}

		if cut >= len(text) {
			break
		}
		pos = c.nextStart(text, pos, cut)
	}
	return chunks
}

// bestCut picks the end of the chunk starting at pos. Candidates lie in
// (lo, end]; the strongest boundary kind present wins and, within a kind,
// the latest position.
func (c *Chunker) bestCut(text string, pos, end int, decls []int) int {
	lo := pos + max(c.maxChars/4, c.overlap+1)
	if lo >= end {
		lo = pos
	}

	// Declaration starts
	i := sort.SearchInts(decls, end+1) - 1
	if i >= 0 && decls[i] > lo {
		return decls[i]
	}

	// Paragraph starts
	for k := end; k > lo && k >= 2; k-- {
		if text[k-1] == '\n' && text[k-2] == '\n' {
			return k
		}
	}

	// Line starts
	for k := end; k > lo; k-- {
		if text[k-1] == '\n' {
			return k
		}
	}

	// Whitespace
	for k := end; k > lo; k-- {
		if text[k-1] == ' ' || text[k-1] == '\t' || text[k-1] == '\r' {
			return k
		}
	}

	// Rune boundary
	k := end
	for k > pos && !utf8.RuneStart(text[k]) {
		k--
	}
	if k == pos {
		k = end
		for k < len(text) && !utf8.RuneStart(text[k]) {
			k++
		}
	}
	return k
}

// nextStart steps back overlap bytes from cut and snaps forward to the next
// line start inside the overlap window. The result is always past pos.
func (c *Chunker) nextStart(text string, pos, cut int) int {
	if c.overlap == 0 {
		return cut
	}
	next := cut - c.overlap
	if next <= pos {
		return cut
	}
	for k := next; k < cut; k++ {
		if k > 0 && text[k-1] == '\n' {
			return k
		}
	}
	for next < cut && !utf8.RuneStart(text[next]) {
		next++
	}
	return next
}

func lineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineAt returns the 1-based line containing offset.
func lineAt(starts []int, offset int) int {
	return sort.SearchInts(starts, offset+1)
}
