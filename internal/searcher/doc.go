// Package searcher implements hybrid retrieval over a repository's committed
// snapshot, combining vector similarity with BM25 keyword matching.
//
// The searcher provides three search modes:
//   - Hybrid: vector + BM25 blended by weight (default)
//   - Vector: cosine similarity against the query embedding only
//   - Lexical: FTS5 BM25 only, no embedding call
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, emb, vectors, searcher.Config{})
//
//	resp, err := s.Search(ctx, searcher.Request{
//	    RepoID: "3f0c...",
//	    Query:  "where are uploads extracted",
//	    TopK:   10,
//	})
//
//	for _, r := range resp.Used() {
//	    fmt.Printf("[%d] %.2f %s:%d-%d\n", r.Rank, r.Score, r.Path, r.StartLine, r.EndLine)
//	}
//
// # Ranking
//
// Both legs run concurrently and each returns at most CandidateLimit
// candidates. A chunk's score is
//
//	score = VectorWeight*vector + LexicalWeight*lexical
//
// with the weights normalized to sum to one (0.6 and 0.4 by default).
// Vector similarity is clamped to [0, 1] and BM25 is divided by the best
// hit, so every score lies in [0, 1]. A chunk found by one leg only scores
// zero on the other.
//
// Candidates are re-read from storage before ranking, so hits from an
// external vector backend that fall outside the committed snapshot are
// dropped. Equal scores are ordered by document path, then chunk index.
// Every candidate gets a rank; the first TopK are marked UsedInPrompt.
//
// In hybrid mode one leg may fail and the other still answers. The
// request fails only when both do.
//
// # Errors
//
//   - types.ErrEmptyQuery for a blank query
//   - types.ErrRepositoryNotFound for an unknown repository
//   - types.ErrNotIndexed before the first run commits
//
// # Caching
//
// Responses are kept in an expiring LRU keyed by repository, active run,
// embedding model, query, TopK and mode. A new commit changes the active
// run, so stale entries are never served.
package searcher
