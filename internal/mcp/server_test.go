package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/embedder"
	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/internal/recorder"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, messages []answer.Message) (string, error) {
	return "It is in main.go.", nil
}

func (echoCompleter) Model() string { return "echo" }

func newTestServer(t *testing.T, allowLocal bool) *Server {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	local, err := embedder.NewLocalProvider(32, nil)
	require.NoError(t, err)
	pub := progress.New()

	idx := indexer.New(indexer.Deps{
		Storage:  store,
		Embedder: embedder.NewBatchGenerator(local, embedder.BatchConfig{BatchSize: 8, Workers: 1}),
		Progress: pub,
	}, indexer.Config{Workers: 1})
	srch := searcher.NewSearcher(store, local, nil, searcher.Config{})
	rec := recorder.New(store)

	t.Cleanup(func() {
		_ = idx.Close(context.Background())
		pub.Close()
		_ = store.Close()
	})

	return NewServer(Deps{
		Indexer:         idx,
		Searcher:        srch,
		Answers:         answer.NewService(srch, rec, echoCompleter{}, answer.Config{}),
		Recorder:        rec,
		AllowLocalPaths: allowLocal,
	})
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out), text.Text)
	return out
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code, mcpErr.Message)
}

func sampleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"),
		[]byte("package main\n\n// main starts the server.\nfunc main() {\n\tserve()\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "serve.go"),
		[]byte("package main\n\nfunc serve() {}\n"), 0o644))
	return dir
}

func ingest(t *testing.T, s *Server) string {
	t.Helper()
	res, err := s.handleIngestRepository(context.Background(), callRequest("ingest_repository", map[string]interface{}{
		"path": sampleDir(t),
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, string(types.RunDone), out["state"])
	repoID, _ := out["repo_id"].(string)
	require.NotEmpty(t, repoID)
	return repoID
}

func TestIngestRepository(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	repoID := ingest(t, s)

	res, err := s.handleGetStatus(ctx, callRequest("get_status", map[string]interface{}{"repo_id": repoID}))
	require.NoError(t, err)
	st := resultJSON(t, res)
	assert.Equal(t, types.StatusIndexed, st["status"])

	// Re-ingesting by id reuses the stored source.
	res, err = s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{
		"repo_id": repoID,
		"force":   true,
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, repoID, out["repo_id"])
	assert.Equal(t, string(types.RunDone), out["state"])

	res, err = s.handleListRepositories(ctx, callRequest("list_repositories", nil))
	require.NoError(t, err)
	assert.EqualValues(t, 1, resultJSON(t, res)["count"])
}

func TestIngestRepository_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("no source", func(t *testing.T) {
		s := newTestServer(t, true)
		_, err := s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("two sources", func(t *testing.T) {
		s := newTestServer(t, true)
		_, err := s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{
			"git_url": "https://github.com/a/b",
			"path":    "/tmp",
		}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("local paths disabled", func(t *testing.T) {
		s := newTestServer(t, false)
		_, err := s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{
			"path": sampleDir(t),
		}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("relative path", func(t *testing.T) {
		s := newTestServer(t, true)
		_, err := s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{
			"path": "relative/dir",
		}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("bad git url", func(t *testing.T) {
		s := newTestServer(t, true)
		_, err := s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{
			"git_url": "ftp://example.com/repo",
		}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})

	t.Run("unknown repo id", func(t *testing.T) {
		s := newTestServer(t, true)
		_, err := s.handleIngestRepository(ctx, callRequest("ingest_repository", map[string]interface{}{
			"repo_id": "missing",
		}))
		requireCode(t, err, ErrorCodeRepositoryNotFound)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		s := newTestServer(t, true)
		req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: "ingest_repository", Arguments: "nope"}}
		_, err := s.handleIngestRepository(ctx, req)
		requireCode(t, err, ErrorCodeInvalidParams)
	})
}

func TestSearchChunks(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	repoID := ingest(t, s)

	res, err := s.handleSearchChunks(ctx, callRequest("search_chunks", map[string]interface{}{
		"repo_id": repoID,
		"query":   "serve",
		"top_k":   float64(1),
		"mode":    "lexical",
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	assert.Len(t, results, 1)
	assert.Equal(t, "lexical", out["mode"])

	_, err = s.handleSearchChunks(ctx, callRequest("search_chunks", map[string]interface{}{
		"repo_id": repoID,
		"query":   "  ",
	}))
	requireCode(t, err, ErrorCodeEmptyQuery)

	_, err = s.handleSearchChunks(ctx, callRequest("search_chunks", map[string]interface{}{
		"repo_id": repoID,
		"query":   "serve",
		"top_k":   float64(500),
	}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleSearchChunks(ctx, callRequest("search_chunks", map[string]interface{}{
		"repo_id": repoID,
		"query":   "serve",
		"mode":    "keyword",
	}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleSearchChunks(ctx, callRequest("search_chunks", map[string]interface{}{
		"repo_id": "missing",
		"query":   "serve",
	}))
	requireCode(t, err, ErrorCodeRepositoryNotFound)
}

func TestAskAndContexts(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	repoID := ingest(t, s)

	res, err := s.handleAsk(ctx, callRequest("ask", map[string]interface{}{
		"repo_id":         repoID,
		"question":        "where does the server start?",
		"conversation_id": "conv-1",
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, "It is in main.go.", out["answer"])
	assert.NotEmpty(t, out["query_id"])

	res, err = s.handleQueryContexts(ctx, callRequest("query_contexts", map[string]interface{}{
		"conversation_id": "conv-1",
	}))
	require.NoError(t, err)
	queries, ok := resultJSON(t, res)["queries"].([]interface{})
	require.True(t, ok)
	assert.Len(t, queries, 1)

	_, err = s.handleAsk(ctx, callRequest("ask", map[string]interface{}{"repo_id": repoID}))
	requireCode(t, err, ErrorCodeEmptyQuery)

	_, err = s.handleQueryContexts(ctx, callRequest("query_contexts", map[string]interface{}{}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestDeleteRepository(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	repoID := ingest(t, s)

	for i := 0; i < 2; i++ {
		res, err := s.handleDeleteRepository(ctx, callRequest("delete_repository", map[string]interface{}{"repo_id": repoID}))
		require.NoError(t, err)
		assert.Equal(t, true, resultJSON(t, res)["deleted"])
	}

	_, err := s.handleGetStatus(ctx, callRequest("get_status", map[string]interface{}{"repo_id": repoID}))
	requireCode(t, err, ErrorCodeRepositoryNotFound)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.ErrRepositoryNotFound, ErrorCodeRepositoryNotFound},
		{types.ErrIngestionInProgress, ErrorCodeIngestionInProgress},
		{types.ErrNotIndexed, ErrorCodeNotIndexed},
		{types.ErrEmptyQuery, ErrorCodeEmptyQuery},
		{searcher.ErrInvalidMode, ErrorCodeInvalidParams},
		{assert.AnError, ErrorCodeInternalError},
	}
	for _, tt := range tests {
		requireCode(t, mapError(tt.err), tt.code)
	}

	orig := newMCPError(ErrorCodeEmptyQuery, "x", nil)
	assert.Same(t, orig, mapError(orig))
}

func TestServer_RegistersTools(t *testing.T) {
	s := newTestServer(t, true)
	assert.NotNil(t, s.mcp)
	assert.NotNil(t, s.Handler())

	for _, tool := range []mcp.Tool{
		ingestRepositoryTool(), getStatusTool(), listRepositoriesTool(), searchChunksTool(),
		askTool(), deleteRepositoryTool(), queryContextsTool(),
	} {
		assert.NotEmpty(t, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.InputSchema.Type)
	}
}
