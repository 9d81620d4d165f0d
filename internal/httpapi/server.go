package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/config"
	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/progress"
	"github.com/AILab-FOI/bytesophos/internal/recorder"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// UserHeader carries the caller's identity. The service sits behind an
// authenticating proxy that sets it; an empty value is an anonymous caller.
const UserHeader = "X-User-ID"

const defaultAddr = ":8080"

// Deps are the services the HTTP API exposes.
type Deps struct {
	Storage   storage.Storage
	Indexer   *indexer.Indexer
	Searcher  *searcher.Searcher
	Answers   *answer.Service
	Recorder  *recorder.Recorder
	Progress  *progress.Publisher
	Snapshots *snapshot.Materializer

	// MCP, when set, is mounted under /mcp.
	MCP http.Handler
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	cfg    config.ServerConfig
	router *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.NewModuleLogger("http", "server"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if cfg.MaxUploadBytes > 0 {
		router.MaxMultipartMemory = min(cfg.MaxUploadBytes, 32<<20)
	}

	api := router.Group("/api/v1")
	{
		repos := api.Group("/repos")
		{
			repos.GET("", s.listRepos)
			repos.POST("", s.createRepo)
			repos.POST("/upload", s.uploadRepo)
			repos.GET("/:id", s.getRepo)
			repos.GET("/:id/status", s.getRepo)
			repos.POST("/:id/reindex", s.reindexRepo)
			repos.GET("/:id/search", s.searchRepo)
			repos.GET("/:id/progress", s.watchProgress)
			repos.DELETE("/:id", s.deleteRepo)
		}

		api.POST("/answer", s.answer)
		api.GET("/conversations/:id/contexts", s.conversationContexts)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.MCP != nil {
		router.Any("/mcp", gin.WrapH(deps.MCP))
		router.Any("/mcp/*path", gin.WrapH(deps.MCP))
	}

	s.router = router
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server starting", "addr", s.cfg.Addr)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func userID(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

// readable loads the repository named by the :id parameter and checks the
// caller may read it.
func (s *Server) readable(c *gin.Context) (*storage.Repository, error) {
	return s.access(c.Request.Context(), c.Param("id"), userID(c))
}

func (s *Server) access(ctx context.Context, repoID, user string) (*storage.Repository, error) {
	repo, err := s.deps.Storage.GetRepository(ctx, repoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.ErrRepositoryNotFound
	}
	if err != nil {
		return nil, err
	}
	if !repo.CanAccess(user) {
		return nil, types.ErrForbidden
	}
	return repo, nil
}

// writable is readable restricted to the owner. Unowned repositories are
// writable by anyone.
func (s *Server) writable(c *gin.Context) (*storage.Repository, error) {
	repo, err := s.readable(c)
	if err != nil {
		return nil, err
	}
	if repo.OwnerID != "" && repo.OwnerID != userID(c) {
		return nil, types.ErrForbidden
	}
	return repo, nil
}
