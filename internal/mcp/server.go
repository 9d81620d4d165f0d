package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/recorder"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
)

const (
	// ServerName is the MCP server name
	ServerName = "bytesophos"
)

// ServerVersion is reported to MCP clients. The CLI overrides it with the
// build version.
var ServerVersion = "0.1.0"

// Deps are the services exposed as tools. Answers may be nil when no
// completion provider is configured; the ask tool is then not registered.
type Deps struct {
	Indexer  *indexer.Indexer
	Searcher *searcher.Searcher
	Answers  *answer.Service
	Recorder *recorder.Recorder

	// AllowLocalPaths lets ingest_repository read server-side directories.
	AllowLocalPaths bool
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	answers  *answer.Service
	recorder *recorder.Recorder

	allowLocalPaths bool
	logger          *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps) *Server {
	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
	)

	s := &Server{
		mcp:             mcpServer,
		indexer:         deps.Indexer,
		searcher:        deps.Searcher,
		answers:         deps.Answers,
		recorder:        deps.Recorder,
		allowLocalPaths: deps.AllowLocalPaths,
		logger:          logging.NewModuleLogger("mcp", "server"),
	}
	s.registerTools()
	return s
}

// ServeStdio serves MCP over stdin/stdout and blocks until the client
// disconnects.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

// Handler returns a streamable HTTP handler for mounting in an HTTP server.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(ingestRepositoryTool(), s.handleIngestRepository)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(listRepositoriesTool(), s.handleListRepositories)
	s.mcp.AddTool(searchChunksTool(), s.handleSearchChunks)
	s.mcp.AddTool(deleteRepositoryTool(), s.handleDeleteRepository)
	s.mcp.AddTool(queryContextsTool(), s.handleQueryContexts)
	if s.answers != nil {
		s.mcp.AddTool(askTool(), s.handleAsk)
	}
}
