package recorder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// maxSnippetBytes caps the chunk text copied into the audit row.
const maxSnippetBytes = 8000

// Entry is one answered question with the chunks retrieved for it.
type Entry struct {
	QueryID        string // generated when empty
	RepoID         string
	ConversationID string
	UserID         string
	Question       string
	Answer         string
	Metadata       map[string]string
	Chunks         []types.RankedChunk
}

// Turn is one question and answer of a conversation.
type Turn struct {
	QueryID   string
	Question  string
	Answer    string
	CreatedAt time.Time
}

// Recorder persists queries and their retrieval audit trail.
type Recorder struct {
	storage storage.Storage
	logger  *slog.Logger
}

// New creates a Recorder.
func New(store storage.Storage) *Recorder {
	return &Recorder{
		storage: store,
		logger:  logging.NewModuleLogger("recorder", "audit"),
	}
}

// Record writes the query row and every retrieved-chunk row in one
// transaction. Ranks are renumbered so that used chunks come first.
func (r *Recorder) Record(ctx context.Context, e Entry) (*storage.Query, error) {
	if e.RepoID == "" {
		return nil, types.ErrRepositoryNotFound
	}
	if e.Question == "" {
		return nil, types.ErrEmptyQuery
	}

	chunks := NormalizeRanks(e.Chunks)
	if err := ValidateRanks(chunks); err != nil {
		return nil, err
	}

	q := &storage.Query{
		ID:             e.QueryID,
		RepositoryID:   e.RepoID,
		ConversationID: e.ConversationID,
		UserID:         e.UserID,
		Question:       e.Question,
		Answer:         e.Answer,
		Metadata:       e.Metadata,
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	rows := make([]*storage.RetrievedChunk, len(chunks))
	for i := range chunks {
		rows[i] = toRow(&chunks[i])
	}

	err := r.storage.RunInTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetRepository(ctx, e.RepoID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return types.ErrRepositoryNotFound
			}
			return err
		}
		if err := detachMissing(ctx, tx, e.RepoID, rows); err != nil {
			return err
		}
		if err := tx.CreateQuery(ctx, q); err != nil {
			return err
		}
		return tx.InsertRetrievedChunks(ctx, q.ID, rows)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record query: %w", err)
	}

	r.logger.Debug("query recorded",
		slog.String("query_id", q.ID),
		slog.String("repo_id", q.RepositoryID),
		slog.Int("chunks", len(rows)))
	return q, nil
}

// Contexts returns every query of the conversation, oldest first, with the
// chunks that went into its prompt.
func (r *Recorder) Contexts(ctx context.Context, conversationID string) ([]types.QueryContexts, error) {
	if conversationID == "" {
		return []types.QueryContexts{}, nil
	}
	queries, err := r.storage.ListQueriesByConversation(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}

	out := make([]types.QueryContexts, 0, len(queries))
	for _, q := range queries {
		rows, err := r.storage.ListRetrievedChunks(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		qc := types.QueryContexts{
			QueryID:   q.ID,
			Question:  q.Question,
			Answer:    q.Answer,
			CreatedAt: q.CreatedAt,
			Chunks:    make([]types.ContextChunk, 0, len(rows)),
		}
		for _, row := range rows {
			if !row.UsedInPrompt {
				continue
			}
			qc.Chunks = append(qc.Chunks, toContextChunk(row))
		}
		out = append(out, qc)
	}
	return out, nil
}

// History returns the newest limit turns of the conversation, oldest first.
func (r *Recorder) History(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if conversationID == "" {
		return nil, nil
	}
	queries, err := r.storage.ListQueriesByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, len(queries))
	for i, q := range queries {
		turns[i] = Turn{QueryID: q.ID, Question: q.Question, Answer: q.Answer, CreatedAt: q.CreatedAt}
	}
	return turns, nil
}

// NormalizeRanks returns a copy of chunks with used chunks first, each
// group in its original rank order, renumbered 1..N.
func NormalizeRanks(chunks []types.RankedChunk) []types.RankedChunk {
	out := slices.Clone(chunks)
	slices.SortStableFunc(out, func(a, b types.RankedChunk) int {
		if a.UsedInPrompt != b.UsedInPrompt {
			if a.UsedInPrompt {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Rank, b.Rank)
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// ValidateRanks checks every row and that ranks run 1..N with no used row
// after an unused one.
func ValidateRanks(chunks []types.RankedChunk) error {
	seenUnused := false
	for i := range chunks {
		c := &chunks[i]
		if err := c.Validate(); err != nil {
			return fmt.Errorf("chunk at position %d: %w", i, err)
		}
		if c.Rank != i+1 {
			return fmt.Errorf("%w: position %d has rank %d", types.ErrRankGap, i, c.Rank)
		}
		if c.UsedInPrompt && seenUnused {
			return fmt.Errorf("%w: used chunk ranked %d after an unused one", types.ErrRankGap, c.Rank)
		}
		if !c.UsedInPrompt {
			seenUnused = true
		}
	}
	return nil
}

// detachMissing clears the chunk reference of rows whose chunk left the
// committed snapshot since retrieval. The row keeps its snippet.
func detachMissing(ctx context.Context, tx storage.Tx, repoID string, rows []*storage.RetrievedChunk) error {
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = *row.ChunkID
	}
	live, err := tx.GetChunksByIDs(ctx, repoID, ids)
	if err != nil {
		return err
	}
	present := make(map[int64]struct{}, len(live))
	for _, rec := range live {
		present[rec.ID] = struct{}{}
	}
	for _, row := range rows {
		if _, ok := present[*row.ChunkID]; !ok {
			row.ChunkID = nil
		}
	}
	return nil
}

func toRow(c *types.RankedChunk) *storage.RetrievedChunk {
	id := c.ChunkID
	return &storage.RetrievedChunk{
		ChunkID:      &id,
		DocumentPath: c.Path,
		ChunkIndex:   c.ChunkIndex,
		StartLine:    c.StartLine,
		EndLine:      c.EndLine,
		Snippet:      truncate(c.Content, maxSnippetBytes),
		Score:        c.Score,
		VectorScore:  c.VectorScore,
		LexicalScore: c.LexicalScore,
		Rank:         c.Rank,
		UsedInPrompt: c.UsedInPrompt,
	}
}

func toContextChunk(row *storage.RetrievedChunk) types.ContextChunk {
	cc := types.ContextChunk{
		Path:         row.DocumentPath,
		ChunkIndex:   row.ChunkIndex,
		StartLine:    row.StartLine,
		EndLine:      row.EndLine,
		Snippet:      row.Snippet,
		Score:        row.Score,
		VectorScore:  row.VectorScore,
		LexicalScore: row.LexicalScore,
		Rank:         row.Rank,
		UsedInPrompt: row.UsedInPrompt,
	}
	if row.ChunkID != nil {
		cc.ChunkID = *row.ChunkID
	}
	return cc
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
