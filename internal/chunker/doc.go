// Package chunker splits extracted document text into bounded chunks.
//
// Chunks are at most MaxChars bytes and end at the strongest boundary
// available in the window: a Go declaration start (for Go files), then a
// paragraph start, a line start, whitespace, and finally a rune boundary.
// Consecutive chunks overlap by up to Overlap bytes, snapped forward to a
// line start so a chunk never begins mid-line when it can avoid it.
//
// Each chunk carries its byte offsets, 1-based line range, a hash of its
// start offset and content, and a token count from tiktoken's cl100k_base
// encoding (chars/4 when the encoding is unavailable).
//
// Usage:
//
//	c := chunker.New(chunker.WithMaxChars(4000))
//	for _, ch := range c.Split(text, "go") {
//	    fmt.Println(ch.Index, ch.StartLine, ch.EndLine)
//	}
package chunker
