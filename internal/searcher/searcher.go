package searcher

import (
	"cmp"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/AILab-FOI/bytesophos/internal/embedder"
	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/internal/vectorindex"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Defaults applied to zero Config fields.
const (
	DefaultTopK           = 10
	DefaultCandidateLimit = 50
	DefaultVectorWeight   = 0.6
	DefaultLexicalWeight  = 0.4
	DefaultCacheSize      = 1000
	DefaultCacheTTL       = 5 * time.Minute
)

// ErrInvalidMode is returned for a mode other than hybrid, vector or lexical.
var ErrInvalidMode = errors.New("invalid search mode")

// Config tunes ranking and the result cache.
type Config struct {
	TopK           int
	CandidateLimit int
	VectorWeight   float64
	LexicalWeight  float64
	CacheSize      int
	CacheTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = DefaultCandidateLimit
	}
	if c.VectorWeight == 0 && c.LexicalWeight == 0 {
		c.VectorWeight = DefaultVectorWeight
		c.LexicalWeight = DefaultLexicalWeight
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Request describes one retrieval.
type Request struct {
	RepoID string
	Query  string
	TopK   int              // chunks marked UsedInPrompt, default Config.TopK
	Mode   types.SearchMode // default hybrid
}

// Response holds every merged candidate in rank order.
type Response struct {
	Results       []types.RankedChunk
	RunID         int64
	Model         string
	Mode          types.SearchMode
	VectorResults int
	TextResults   int
	Duration      time.Duration
	CacheHit      bool
}

// Used returns the results marked for the prompt.
func (r *Response) Used() []types.RankedChunk {
	n := 0
	for n < len(r.Results) && r.Results[n].UsedInPrompt {
		n++
	}
	return r.Results[:n]
}

// Searcher ranks the chunks of a repository's committed snapshot against a
// free text query.
type Searcher struct {
	storage  storage.Storage
	embedder embedder.Embedder
	vectors  vectorindex.Index
	cfg      Config
	cache    *expirable.LRU[[32]byte, *Response]
	logger   *slog.Logger
}

// NewSearcher creates a Searcher. A nil vectors falls back to the embeddings
// stored in SQLite.
func NewSearcher(store storage.Storage, emb embedder.Embedder, vectors vectorindex.Index, cfg Config) *Searcher {
	cfg = cfg.withDefaults()
	if vectors == nil {
		vectors = vectorindex.NewSQLite(store)
	}
	return &Searcher{
		storage:  store,
		embedder: emb,
		vectors:  vectors,
		cfg:      cfg,
		cache:    expirable.NewLRU[[32]byte, *Response](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:   logging.NewModuleLogger("searcher", "engine"),
	}
}

// Search retrieves and ranks chunks for req. An empty result is not an error.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	repo, err := s.storage.GetRepository(ctx, req.RepoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.ErrRepositoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repository: %w", err)
	}
	if repo.ActiveRunID == nil {
		return nil, types.ErrNotIndexed
	}
	runID := *repo.ActiveRunID
	model := s.embedder.Model()

	key := computeQueryHash(req, runID, model)
	if cached, ok := s.cache.Get(key); ok {
		resp := copyResponse(cached)
		resp.CacheHit = true
		resp.Duration = time.Since(start)
		return resp, nil
	}

	resp, err := s.search(ctx, req, runID, model)
	if err != nil {
		return nil, err
	}
	resp.RunID = runID
	resp.Model = model
	resp.Mode = req.Mode

	s.cache.Add(key, copyResponse(resp))

	resp.Duration = time.Since(start)
	s.logger.Debug("search complete",
		slog.String("repo_id", req.RepoID),
		slog.String("mode", string(req.Mode)),
		slog.Int("results", len(resp.Results)),
		slog.Duration("duration", resp.Duration))
	return resp, nil
}

// legResult holds the scores one retrieval leg produced, keyed by chunk id.
type legResult struct {
	scores map[int64]float64
	order  []int64
	err    error
}

func (s *Searcher) search(ctx context.Context, req Request, runID int64, model string) (*Response, error) {
	var vec, lex legResult

	eg, egctx := errgroup.WithContext(ctx)
	if req.Mode != types.ModeLexical {
		eg.Go(func() error {
			vec = s.vectorLeg(egctx, req, runID, model)
			return nil
		})
	}
	if req.Mode != types.ModeVector {
		eg.Go(func() error {
			lex = s.lexicalLeg(egctx, req)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch req.Mode {
	case types.ModeVector:
		if vec.err != nil {
			return nil, vec.err
		}
	case types.ModeLexical:
		if lex.err != nil {
			return nil, lex.err
		}
	default:
		if vec.err != nil && lex.err != nil {
			return nil, fmt.Errorf("both searches failed: vector=%w, text=%v", vec.err, lex.err)
		}
		if vec.err != nil {
			s.logger.Warn("vector search failed, using lexical results only",
				slog.String("repo_id", req.RepoID), slog.String("error", vec.err.Error()))
		}
		if lex.err != nil {
			s.logger.Warn("text search failed, using vector results only",
				slog.String("repo_id", req.RepoID), slog.String("error", lex.err.Error()))
		}
	}

	results, err := s.merge(ctx, req, vec, lex)
	if err != nil {
		return nil, err
	}
	return &Response{
		Results:       results,
		VectorResults: len(vec.order),
		TextResults:   len(lex.order),
	}, nil
}

func (s *Searcher) vectorLeg(ctx context.Context, req Request, runID int64, model string) legResult {
	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Query})
	if err != nil {
		return legResult{err: fmt.Errorf("failed to generate query embedding: %w", err)}
	}
	hits, err := s.vectors.Search(ctx, vectorindex.Query{
		RepoID:    req.RepoID,
		Model:     model,
		ActiveRun: runID,
		Vector:    emb.Vector,
		Limit:     s.cfg.CandidateLimit,
	})
	if err != nil {
		return legResult{err: fmt.Errorf("vector search: %w", err)}
	}
	res := legResult{scores: make(map[int64]float64, len(hits))}
	for _, h := range hits {
		if _, dup := res.scores[h.ChunkID]; dup {
			continue
		}
		res.scores[h.ChunkID] = clampUnit(h.Score)
		res.order = append(res.order, h.ChunkID)
	}
	return res
}

func (s *Searcher) lexicalLeg(ctx context.Context, req Request) legResult {
	hits, err := s.storage.SearchText(ctx, req.RepoID, req.Query, s.cfg.CandidateLimit)
	if err != nil {
		return legResult{err: fmt.Errorf("text search: %w", err)}
	}
	res := legResult{scores: make(map[int64]float64, len(hits))}
	for _, h := range hits {
		res.scores[h.ChunkID] = clampUnit(h.BM25Score)
		res.order = append(res.order, h.ChunkID)
	}
	return res
}

// merge blends both legs per chunk, drops anything outside the committed
// snapshot and assigns ranks.
func (s *Searcher) merge(ctx context.Context, req Request, vec, lex legResult) ([]types.RankedChunk, error) {
	ids := make([]int64, 0, len(vec.order)+len(lex.order))
	seen := make(map[int64]struct{}, cap(ids))
	for _, list := range [][]int64{vec.order, lex.order} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []types.RankedChunk{}, nil
	}

	records, err := s.storage.GetChunksByIDs(ctx, req.RepoID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	vw, lw := s.weights(req.Mode)
	results := make([]types.RankedChunk, 0, len(records))
	for _, rec := range records {
		v := vec.scores[rec.ID]
		l := lex.scores[rec.ID]
		results = append(results, types.RankedChunk{
			ChunkID:      rec.ID,
			DocumentID:   rec.DocumentID,
			Path:         rec.Path,
			ChunkIndex:   rec.ChunkIndex,
			Content:      rec.Content,
			StartLine:    rec.StartLine,
			EndLine:      rec.EndLine,
			Score:        clampUnit(vw*v + lw*l),
			VectorScore:  v,
			LexicalScore: l,
		})
	}

	sortRanked(results)
	for i := range results {
		results[i].Rank = i + 1
		results[i].UsedInPrompt = i < req.TopK
	}
	return results, nil
}

// weights returns the blend for mode. Single-leg modes give their leg the
// whole score so results stay comparable with MinScore gates.
func (s *Searcher) weights(mode types.SearchMode) (float64, float64) {
	switch mode {
	case types.ModeVector:
		return 1, 0
	case types.ModeLexical:
		return 0, 1
	}
	total := s.cfg.VectorWeight + s.cfg.LexicalWeight
	return s.cfg.VectorWeight / total, s.cfg.LexicalWeight / total
}

// sortRanked orders by score descending, then path, then chunk index.
func sortRanked(results []types.RankedChunk) {
	slices.SortStableFunc(results, func(a, b types.RankedChunk) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ChunkIndex, b.ChunkIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkID, b.ChunkID)
	})
}

func (s *Searcher) validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return types.ErrEmptyQuery
	}
	if req.RepoID == "" {
		return types.ErrRepositoryNotFound
	}
	if req.TopK <= 0 {
		req.TopK = s.cfg.TopK
	}
	if req.Mode == "" {
		req.Mode = types.ModeHybrid
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	return nil
}

// InvalidateCache drops every cached response. Entries are keyed by the
// active run, so this is only needed to free memory early.
func (s *Searcher) InvalidateCache() {
	s.cache.Purge()
}

// CacheLen reports the number of cached responses.
func (s *Searcher) CacheLen() int {
	return s.cache.Len()
}

func copyResponse(src *Response) *Response {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = slices.Clone(src.Results)
	return &dst
}

// computeQueryHash keys a response by everything that can change it.
func computeQueryHash(req Request, runID int64, model string) [32]byte {
	var data strings.Builder
	data.WriteString(req.RepoID)
	data.WriteString("|")
	fmt.Fprintf(&data, "%d", runID)
	data.WriteString("|")
	data.WriteString(model)
	data.WriteString("|")
	data.WriteString(req.Query)
	data.WriteString("|")
	fmt.Fprintf(&data, "%d", req.TopK)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	return sha256.Sum256([]byte(data.String()))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
