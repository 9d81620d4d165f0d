package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AILab-FOI/bytesophos/internal/chunker"
	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/recorder"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Turn is one earlier question and answer of a conversation.
type Turn = recorder.Turn

// Retriever ranks chunks for a query.
type Retriever interface {
	Search(ctx context.Context, req searcher.Request) (*searcher.Response, error)
}

// Recorder stores answered queries and serves conversation history.
type Recorder interface {
	Record(ctx context.Context, e recorder.Entry) (*storage.Query, error)
	History(ctx context.Context, conversationID string, limit int) ([]recorder.Turn, error)
}

// Config bounds the prompt.
type Config struct {
	TopK                int
	MaxFiles            int
	MaxCharsPerFile     int
	HistoryTurns        int
	ModelContextTokens  int
	HistoryBudgetFactor float64
	MinScore            float64
}

func (c Config) withDefaults() Config {
	if c.MaxFiles <= 0 {
		c.MaxFiles = 6
	}
	if c.MaxCharsPerFile <= 0 {
		c.MaxCharsPerFile = 2500
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.ModelContextTokens <= 0 {
		c.ModelContextTokens = 32000
	}
	if c.HistoryBudgetFactor <= 0 {
		c.HistoryBudgetFactor = 0.35
	}
	return c
}

// Request is one question about a repository.
type Request struct {
	RepoID         string `json:"repo_id"`
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// Context is one source file shown to the caller.
type Context struct {
	ID        string  `json:"id"`
	Filename  string  `json:"filename"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
}

// Result is the answer with the contexts it was built from.
type Result struct {
	QueryID  string    `json:"query_id"`
	Answer   string    `json:"answer"`
	Contexts []Context `json:"contexts"`
}

// Service answers questions with retrieval, a chat completion and an audit
// record.
type Service struct {
	retriever Retriever
	recorder  Recorder
	completer Completer
	counter   chunker.TokenCounter
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(r Retriever, rec Recorder, c Completer, cfg Config) *Service {
	return &Service{
		retriever: r,
		recorder:  rec,
		completer: c,
		counter:   chunker.DefaultTokenCounter(),
		cfg:       cfg.withDefaults(),
		logger:    logging.NewModuleLogger("answer", "service"),
	}
}

// Answer retrieves context for req, asks the completion provider and
// records the turn.
func (s *Service) Answer(ctx context.Context, req Request) (*Result, error) {
	question := strings.TrimSpace(req.Query)
	if question == "" {
		return nil, types.ErrEmptyQuery
	}

	turns, err := s.recorder.History(ctx, req.ConversationID, s.cfg.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	resp, err := s.retriever.Search(ctx, searcher.Request{
		RepoID: req.RepoID,
		Query:  RetrieverQuery(question, turns),
		TopK:   s.cfg.TopK,
	})
	if err != nil {
		return nil, err
	}

	ranked := gate(resp.Results, s.cfg.MinScore)
	files, kept := GroupByFile(usedOnly(ranked), s.cfg.MaxFiles, s.cfg.MaxCharsPerFile)
	ranked = recorder.NormalizeRanks(restrictUsed(ranked, kept))
	usedChunks := usedOnly(ranked)

	warning := ""
	if len(usedChunks) == 0 {
		warning = noContextWarning
	}
	payload, err := renderPayload(req.RepoID, question, warning, files)
	if err != nil {
		return nil, err
	}

	messages := []Message{{Role: RoleSystem, Content: systemRules}}
	budget := HistoryBudget(s.cfg.ModelContextTokens, s.cfg.HistoryBudgetFactor)
	messages = append(messages, HistoryMessages(turns, budget, s.counter)...)
	messages = append(messages, Message{Role: RoleUser, Content: payload})

	raw, err := s.completer.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	answer := CleanAnswer(raw, FileNames(files))

	result := &Result{Answer: answer, Contexts: contextsOf(usedChunks)}

	q, err := s.recorder.Record(ctx, recorder.Entry{
		RepoID:         req.RepoID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Question:       question,
		Answer:         answer,
		Metadata: map[string]string{
			"completion_model": s.completer.Model(),
			"embedding_model":  resp.Model,
			"mode":             string(resp.Mode),
			"run_id":           strconv.FormatInt(resp.RunID, 10),
			"retrieved_count":  strconv.Itoa(len(ranked)),
		},
		Chunks: ranked,
	})
	if err != nil {
		if errors.Is(err, types.ErrRepositoryNotFound) {
			return nil, err
		}
		// The caller still gets the answer; only the audit row is lost.
		s.logger.Warn("failed to record query",
			slog.String("repo_id", req.RepoID), slog.String("error", err.Error()))
		return result, nil
	}
	result.QueryID = q.ID

	s.logger.Info("question answered",
		slog.String("repo_id", req.RepoID),
		slog.String("query_id", q.ID),
		slog.Int("context_files", len(files)))
	return result, nil
}

// gate unmarks every chunk when the best score is below minScore.
func gate(results []types.RankedChunk, minScore float64) []types.RankedChunk {
	if minScore <= 0 || len(results) == 0 || results[0].Score >= minScore {
		return results
	}
	out := make([]types.RankedChunk, len(results))
	copy(out, results)
	for i := range out {
		out[i].UsedInPrompt = false
	}
	return out
}

// restrictUsed unmarks every chunk whose ID is not in kept.
func restrictUsed(results []types.RankedChunk, kept map[int64]struct{}) []types.RankedChunk {
	out := make([]types.RankedChunk, len(results))
	copy(out, results)
	for i := range out {
		if _, ok := kept[out[i].ChunkID]; !ok {
			out[i].UsedInPrompt = false
		}
	}
	return out
}

func usedOnly(results []types.RankedChunk) []types.RankedChunk {
	var out []types.RankedChunk
	for _, r := range results {
		if r.UsedInPrompt {
			out = append(out, r)
		}
	}
	return out
}

// contextsOf keeps the best chunk of each file.
func contextsOf(chunks []types.RankedChunk) []Context {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]Context, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.Path]; ok {
			continue
		}
		seen[c.Path] = struct{}{}
		out = append(out, Context{
			ID:        strconv.FormatInt(c.ChunkID, 10),
			Filename:  c.Path,
			Content:   c.Content,
			Score:     c.Score,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
		})
	}
	return out
}
