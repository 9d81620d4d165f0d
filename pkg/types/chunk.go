package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// Chunk is a bounded, contiguous span of a document's text.
//
// Offsets are byte offsets into the document, end exclusive. Lines are
// 1-based and inclusive.
type Chunk struct {
	Index       int
	Content     string
	Hash        [32]byte
	StartOffset int
	EndOffset   int
	StartLine   int
	EndLine     int
	TokenCount  int
}

// ComputeChunkHash derives the chunk identity from its position and text.
// Identical text at two offsets of one document yields distinct hashes.
func ComputeChunkHash(startOffset int, content string) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(startOffset))
	h.Write(buf[:])
	h.Write([]byte(content))

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// HashHex returns the hex form of the chunk hash.
func (c *Chunk) HashHex() string {
	return hex.EncodeToString(c.Hash[:])
}

// Validate checks offsets and line numbers for consistency.
func (c *Chunk) Validate() error {
	if c.Content == "" {
		return ErrEmptyContent
	}
	if c.Index < 0 {
		return errors.New("chunk index must be >= 0")
	}
	if c.StartOffset < 0 || c.EndOffset <= c.StartOffset {
		return errors.New("chunk offsets must describe a non-empty span")
	}
	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}
	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}
	return nil
}

// EstimateTokens approximates a token count as characters / 4.
// Used when no tokenizer encoding is available.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
