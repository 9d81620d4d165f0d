package types

import "time"

// SearchMode selects which retrieval legs contribute to a search.
type SearchMode string

const (
	ModeHybrid  SearchMode = "hybrid"
	ModeVector  SearchMode = "vector"
	ModeLexical SearchMode = "lexical"
)

// Valid reports whether m is a known mode.
func (m SearchMode) Valid() bool {
	switch m {
	case ModeHybrid, ModeVector, ModeLexical:
		return true
	}
	return false
}

// RankedChunk is one retrieval result with its scores and rank.
type RankedChunk struct {
	ChunkID    int64  `json:"chunk_id"`
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`

	Score        float64 `json:"score"` // blended
	VectorScore  float64 `json:"vector_score"`
	LexicalScore float64 `json:"lexical_score"`

	Rank         int  `json:"rank"` // 1-based
	UsedInPrompt bool `json:"used_in_prompt"`
}

// Validate checks that the result carries an id, a rank and a score in [0, 1].
func (r *RankedChunk) Validate() error {
	if r.ChunkID == 0 {
		return ErrInvalidChunkID
	}
	if r.Rank < 1 {
		return ErrInvalidRank
	}
	if r.Score < 0 || r.Score > 1 {
		return ErrInvalidRelevanceScore
	}
	if r.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

// QueryContexts is one prior query of a conversation with the chunks
// retrieved for it.
type QueryContexts struct {
	QueryID   string         `json:"query_id"`
	Question  string         `json:"question"`
	Answer    string         `json:"answer"`
	CreatedAt time.Time      `json:"created_at"`
	Chunks    []ContextChunk `json:"chunks"`
}

// ContextChunk is the recorded snapshot of a retrieved chunk. ChunkID is
// zero once the underlying chunk has been re-indexed away.
type ContextChunk struct {
	ChunkID      int64   `json:"chunk_id,omitempty"`
	Path         string  `json:"filename"`
	ChunkIndex   int     `json:"chunk_index"`
	StartLine    int     `json:"start_line"`
	EndLine      int     `json:"end_line"`
	Snippet      string  `json:"content"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	LexicalScore float64 `json:"lexical_score"`
	Rank         int     `json:"rank"`
	UsedInPrompt bool    `json:"used_in_prompt"`
}
