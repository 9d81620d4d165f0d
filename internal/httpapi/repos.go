package httpapi

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// CreateRepoRequest registers a repository from a GitHub URL or, when the
// server allows it, a directory on the server.
type CreateRepoRequest struct {
	GitURL      string `json:"git_url"`
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
	Shared      bool   `json:"shared"`
}

// RunStarted is returned when an ingestion run is queued.
type RunStarted struct {
	RepoID string         `json:"repoId"`
	RunID  int64          `json:"runId"`
	State  types.RunState `json:"state"`
}

// SearchResult is the body of a search response.
type SearchResult struct {
	Results       []types.RankedChunk `json:"results"`
	RunID         int64               `json:"run_id"`
	Model         string              `json:"model"`
	Mode          types.SearchMode    `json:"mode"`
	VectorResults int                 `json:"vector_results"`
	TextResults   int                 `json:"text_results"`
	DurationMS    int64               `json:"duration_ms"`
	CacheHit      bool                `json:"cache_hit"`
}

func started(run *storage.Run) RunStarted {
	return RunStarted{RepoID: run.RepositoryID, RunID: run.ID, State: run.State}
}

func (s *Server) listRepos(c *gin.Context) {
	list, err := s.deps.Indexer.List(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	Success(c, list)
}

func (s *Server) createRepo(c *gin.Context) {
	var req CreateRepoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorWithDetail(c, http.StatusBadRequest, CodeBadRequest, "invalid request body", err.Error())
		return
	}
	req.GitURL = strings.TrimSpace(req.GitURL)
	req.Path = strings.TrimSpace(req.Path)

	ireq := indexer.Request{
		DisplayName: strings.TrimSpace(req.DisplayName),
		OwnerID:     userID(c),
		Shared:      req.Shared,
	}
	switch {
	case req.GitURL != "" && req.Path != "":
		Error(c, http.StatusBadRequest, CodeBadRequest, "git_url and path are mutually exclusive")
		return
	case req.GitURL != "":
		ireq.Kind = storage.SourceGit
		ireq.URI = req.GitURL
	case req.Path != "":
		if !s.cfg.AllowLocalPaths {
			Error(c, http.StatusBadRequest, CodeBadRequest, "local paths are disabled")
			return
		}
		abs, err := filepath.Abs(req.Path)
		if err != nil {
			ErrorWithDetail(c, http.StatusBadRequest, CodeBadRequest, "invalid path", err.Error())
			return
		}
		ireq.Kind = storage.SourceLocal
		ireq.URI = abs
	default:
		Error(c, http.StatusBadRequest, CodeBadRequest, "git_url is required")
		return
	}

	run, err := s.deps.Indexer.Start(c.Request.Context(), ireq)
	if err != nil {
		s.fail(c, err)
		return
	}
	Accepted(c, started(run))
}

func (s *Server) uploadRepo(c *gin.Context) {
	if s.deps.Snapshots == nil {
		Error(c, http.StatusServiceUnavailable, CodeUnavailable, "uploads are disabled")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		ErrorWithDetail(c, http.StatusBadRequest, CodeBadRequest, "missing file", err.Error())
		return
	}
	if !strings.HasSuffix(strings.ToLower(fh.Filename), ".zip") {
		Error(c, http.StatusBadRequest, CodeBadRequest, "only .zip archives are accepted")
		return
	}
	if s.cfg.MaxUploadBytes > 0 && fh.Size > s.cfg.MaxUploadBytes {
		Error(c, http.StatusRequestEntityTooLarge, CodeTooLarge, "upload exceeds size limit")
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer f.Close()

	repoID := uuid.NewString()
	path, err := s.deps.Snapshots.SaveUpload(repoID, fh.Filename, f, s.cfg.MaxUploadBytes)
	if err != nil {
		s.fail(c, err)
		return
	}

	shared, _ := strconv.ParseBool(c.PostForm("shared"))
	run, err := s.deps.Indexer.Start(c.Request.Context(), indexer.Request{
		RepoID:      repoID,
		Kind:        storage.SourceUpload,
		URI:         path,
		DisplayName: strings.TrimSpace(c.PostForm("display_name")),
		OwnerID:     userID(c),
		Shared:      shared,
	})
	if err != nil {
		_ = s.deps.Snapshots.Remove(repoID)
		s.fail(c, err)
		return
	}
	Accepted(c, started(run))
}

func (s *Server) getRepo(c *gin.Context) {
	repo, err := s.readable(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	st, err := s.deps.Indexer.Status(c.Request.Context(), repo.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	Success(c, st)
}

func (s *Server) reindexRepo(c *gin.Context) {
	repo, err := s.writable(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	run, err := s.deps.Indexer.Reindex(c.Request.Context(), repo.ID, force)
	if err != nil {
		s.fail(c, err)
		return
	}
	Accepted(c, started(run))
}

func (s *Server) searchRepo(c *gin.Context) {
	repo, err := s.readable(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	req := searcher.Request{
		RepoID: repo.ID,
		Query:  c.Query("q"),
		Mode:   types.SearchMode(c.Query("mode")),
	}
	if raw := c.Query("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k <= 0 {
			Error(c, http.StatusBadRequest, CodeBadRequest, "top_k must be a positive integer")
			return
		}
		req.TopK = k
	}

	resp, err := s.deps.Searcher.Search(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	Success(c, SearchResult{
		Results:       resp.Results,
		RunID:         resp.RunID,
		Model:         resp.Model,
		Mode:          resp.Mode,
		VectorResults: resp.VectorResults,
		TextResults:   resp.TextResults,
		DurationMS:    resp.Duration.Milliseconds(),
		CacheHit:      resp.CacheHit,
	})
}

// deleteRepo is idempotent: deleting an unknown repository succeeds.
func (s *Server) deleteRepo(c *gin.Context) {
	repoID := c.Param("id")
	if _, err := s.writable(c); err != nil && !errors.Is(err, types.ErrRepositoryNotFound) {
		s.fail(c, err)
		return
	}
	if err := s.deps.Indexer.Delete(c.Request.Context(), repoID); err != nil {
		s.fail(c, err)
		return
	}
	Success(c, gin.H{"repoId": repoID, "deleted": true})
}
