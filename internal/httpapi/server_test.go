package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/config"
	"github.com/AILab-FOI/bytesophos/internal/embedder"
	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/internal/recorder"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubCompleter struct {
	reply    string
	err      error
	messages []answer.Message
}

func (s *stubCompleter) Complete(ctx context.Context, messages []answer.Message) (string, error) {
	s.messages = messages
	return s.reply, s.err
}

func (s *stubCompleter) Model() string { return "stub-chat" }

type testEnv struct {
	server    *Server
	store     *storage.SQLiteStorage
	indexer   *indexer.Indexer
	completer *stubCompleter
}

func newEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)

	local, err := embedder.NewLocalProvider(64, nil)
	require.NoError(t, err)

	pub := progress.New()
	snaps := snapshot.New(t.TempDir())
	idx := indexer.New(indexer.Deps{
		Storage:   store,
		Snapshots: snaps,
		Embedder:  embedder.NewBatchGenerator(local, embedder.BatchConfig{BatchSize: 16, Workers: 2}),
		Progress:  pub,
	}, indexer.Config{Workers: 2})

	srch := searcher.NewSearcher(store, local, nil, searcher.Config{TopK: 5})
	rec := recorder.New(store)
	comp := &stubCompleter{reply: "Uploads are handled in upload.go."}

	t.Cleanup(func() {
		_ = idx.Close(context.Background())
		pub.Close()
		_ = store.Close()
	})

	return &testEnv{
		server: NewServer(Deps{
			Storage:   store,
			Indexer:   idx,
			Searcher:  srch,
			Answers:   answer.NewService(srch, rec, comp, answer.Config{TopK: 5}),
			Recorder:  rec,
			Progress:  pub,
			Snapshots: snaps,
		}, cfg),
		store:     store,
		indexer:   idx,
		completer: comp,
	}
}

func writeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"upload.go": "package app\n\n// HandleUpload stores an uploaded archive.\nfunc HandleUpload() error {\n\treturn nil\n}\n",
		"search.go": "package app\n\n// Search ranks chunks for a query.\nfunc Search(q string) []string {\n\treturn nil\n}\n",
		"README.md": "# app\n\nA small service that accepts uploads.\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Code int `json:"code"`
		Data T   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var env ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Code
}

// ingest registers dir for user and waits for the run to finish.
func (e *testEnv) ingest(t *testing.T, dir, user string, shared bool) RunStarted {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/repos", user, CreateRepoRequest{Path: dir, DisplayName: "app", Shared: shared})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	rs := decode[RunStarted](t, w)
	require.NotEmpty(t, rs.RepoID)
	require.NotZero(t, rs.RunID)

	run, err := e.indexer.Wait(context.Background(), rs.RepoID, rs.RunID)
	require.NoError(t, err)
	require.Equal(t, types.RunDone, run.State)
	return rs
}

func TestHealth(t *testing.T) {
	env := newEnv(t, config.ServerConfig{})
	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestCreateRepo_Validation(t *testing.T) {
	env := newEnv(t, config.ServerConfig{})

	tests := []struct {
		name string
		body CreateRepoRequest
		code int
	}{
		{"empty", CreateRepoRequest{}, http.StatusBadRequest},
		{"both sources", CreateRepoRequest{GitURL: "https://github.com/a/b", Path: "/tmp"}, http.StatusBadRequest},
		{"local paths disabled", CreateRepoRequest{Path: "/tmp"}, http.StatusBadRequest},
		{"not github", CreateRepoRequest{GitURL: "https://gitlab.com/a/b"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/repos", "", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/repos", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestSearchAnswer(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	rs := env.ingest(t, writeRepo(t), "", false)

	w := env.do(t, http.MethodGet, "/api/v1/repos/"+rs.RepoID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[types.RepositoryStatus](t, w)
	assert.Equal(t, types.StatusIndexed, st.Status)
	assert.Equal(t, rs.RunID, st.RunID)
	assert.Equal(t, 3, st.Stats.Documents)

	w = env.do(t, http.MethodGet, "/api/v1/repos/"+rs.RepoID+"/search?q=upload&top_k=2&mode=lexical", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sr := decode[SearchResult](t, w)
	require.NotEmpty(t, sr.Results)
	assert.Equal(t, types.ModeLexical, sr.Mode)
	assert.Equal(t, 1, sr.Results[0].Rank)
	assert.True(t, sr.Results[0].UsedInPrompt)
	for i, r := range sr.Results {
		assert.Equal(t, i < 2, r.UsedInPrompt, "rank %d", r.Rank)
	}

	w = env.do(t, http.MethodPost, "/api/v1/answer", "", AnswerRequest{RepoID: rs.RepoID, Query: "where are uploads handled?", ConversationID: "c1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[answer.Result](t, w)
	assert.Equal(t, "Uploads are handled in upload.go.", res.Answer)
	assert.NotEmpty(t, res.QueryID)
	assert.NotEmpty(t, res.Contexts)
	require.NotEmpty(t, env.completer.messages)

	w = env.do(t, http.MethodGet, "/api/v1/conversations/c1/contexts", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ctxs := decode[[]types.QueryContexts](t, w)
	require.Len(t, ctxs, 1)
	assert.Equal(t, res.QueryID, ctxs[0].QueryID)
	assert.Equal(t, "where are uploads handled?", ctxs[0].Question)
	assert.NotEmpty(t, ctxs[0].Chunks)

	w = env.do(t, http.MethodGet, "/api/v1/repos", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.RepositoryStatus](t, w), 1)
}

func TestSearch_Errors(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	ctx := context.Background()
	require.NoError(t, env.store.CreateRepository(ctx, &storage.Repository{
		ID: "fresh", SourceKind: storage.SourceLocal, SourceURI: t.TempDir(), DisplayName: "fresh",
	}))

	w := env.do(t, http.MethodGet, "/api/v1/repos/fresh/search?q=x", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeNotIndexed, errorCode(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/repos/missing/search?q=x", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	rs := env.ingest(t, writeRepo(t), "", false)

	w = env.do(t, http.MethodGet, "/api/v1/repos/"+rs.RepoID+"/search?q=%20", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeEmptyQuery, errorCode(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/repos/"+rs.RepoID+"/search?q=x&mode=fuzzy", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/repos/"+rs.RepoID+"/search?q=x&top_k=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnswer_CompletionFailure(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	rs := env.ingest(t, writeRepo(t), "", false)

	env.completer.err = answer.ErrCompletionFailed
	w := env.do(t, http.MethodPost, "/api/v1/answer", "", AnswerRequest{RepoID: rs.RepoID, Query: "search"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	env.completer.err = answer.ErrNoAPIKey
	w = env.do(t, http.MethodPost, "/api/v1/answer", "", AnswerRequest{RepoID: rs.RepoID, Query: "search"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/answer", "", AnswerRequest{Query: "search"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccessControl(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	private := env.ingest(t, writeRepo(t), "alice", false)
	shared := env.ingest(t, writeRepo(t), "alice", true)

	w := env.do(t, http.MethodGet, "/api/v1/repos/"+private.RepoID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/repos/"+private.RepoID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/repos/"+shared.RepoID+"/search?q=upload", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/answer", "bob", AnswerRequest{RepoID: private.RepoID, Query: "upload"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Shared repositories are readable but not writable by others.
	w = env.do(t, http.MethodDelete, "/api/v1/repos/"+shared.RepoID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/repos/"+shared.RepoID+"/reindex", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/repos", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]types.RepositoryStatus](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, shared.RepoID, list[0].RepoID)
}

func TestConversationContexts_AccessControl(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	private := env.ingest(t, writeRepo(t), "alice", false)
	shared := env.ingest(t, writeRepo(t), "alice", true)

	w := env.do(t, http.MethodPost, "/api/v1/answer", "alice", AnswerRequest{RepoID: private.RepoID, Query: "upload", ConversationID: "alice-private"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/api/v1/answer", "alice", AnswerRequest{RepoID: shared.RepoID, Query: "upload", ConversationID: "alice-shared"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/conversations/alice-private/contexts", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.QueryContexts](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/conversations/alice-private/contexts", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeForbidden, errorCode(t, w))

	w = env.do(t, http.MethodGet, "/api/v1/conversations/alice-private/contexts", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Another user's turns stay private even on a shared repository.
	w = env.do(t, http.MethodGet, "/api/v1/conversations/alice-shared/contexts", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/conversations/unknown/contexts", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]types.QueryContexts](t, w))
}

func TestReindex(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	rs := env.ingest(t, writeRepo(t), "", false)

	w := env.do(t, http.MethodPost, "/api/v1/repos/"+rs.RepoID+"/reindex?force=true", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	again := decode[RunStarted](t, w)
	assert.Equal(t, rs.RepoID, again.RepoID)
	assert.Greater(t, again.RunID, rs.RunID)

	_, err := env.indexer.Wait(context.Background(), again.RepoID, again.RunID)
	require.NoError(t, err)

	w = env.do(t, http.MethodPost, "/api/v1/repos/missing/reindex", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelete_Idempotent(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	rs := env.ingest(t, writeRepo(t), "", false)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodDelete, "/api/v1/repos/"+rs.RepoID, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w := env.do(t, http.MethodGet, "/api/v1/repos/"+rs.RepoID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpload(t *testing.T) {
	env := newEnv(t, config.ServerConfig{MaxUploadBytes: 1 << 20})

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	f, err := zw.Create("app-main/main.go")
	require.NoError(t, err)
	_, err = f.Write([]byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	upload := func(name string, data []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.WriteField("display_name", "uploaded"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/repos/upload", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		return w
	}

	w := upload("app.tar.gz", archive.Bytes())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload("app.zip", archive.Bytes())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	rs := decode[RunStarted](t, w)

	run, err := env.indexer.Wait(context.Background(), rs.RepoID, rs.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunDone, run.State)

	st, err := env.indexer.Status(context.Background(), rs.RepoID)
	require.NoError(t, err)
	assert.Equal(t, "uploaded", st.DisplayName)
	assert.Equal(t, 1, st.Stats.Documents)
}

func TestProgressWebsocket(t *testing.T) {
	env := newEnv(t, config.ServerConfig{AllowLocalPaths: true})
	rs := env.ingest(t, writeRepo(t), "", false)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/v1/repos/"+rs.RepoID+"/progress", nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap types.Progress
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, rs.RepoID, snap.RepoID)
	assert.Equal(t, rs.RunID, snap.RunID)
	assert.Equal(t, types.RunDone, snap.State)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/repos/missing/progress", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.ErrRepositoryNotFound, http.StatusNotFound},
		{types.ErrIngestionInProgress, http.StatusConflict},
		{types.ErrNotIndexed, http.StatusConflict},
		{types.ErrEmptyQuery, http.StatusBadRequest},
		{types.ErrForbidden, http.StatusForbidden},
		{snapshot.ErrUploadTooLarge, http.StatusRequestEntityTooLarge},
		{snapshot.ErrInvalidArchive, http.StatusBadRequest},
		{searcher.ErrInvalidMode, http.StatusBadRequest},
		{answer.ErrCompletionFailed, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.code, got, tt.err.Error())
	}
}
