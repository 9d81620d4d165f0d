package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/indexer"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/internal/storage"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams       = -32602 // Invalid method parameters
	ErrorCodeInternalError       = -32603 // Internal JSON-RPC error
	ErrorCodeRepositoryNotFound  = -32001 // No repository with the given id
	ErrorCodeIngestionInProgress = -32002 // Another run or delete holds the repository
	ErrorCodeNotIndexed          = -32003 // Repository has no committed snapshot
	ErrorCodeEmptyQuery          = -32004 // Query parameter is empty
)

const maxTopK = 100

// handleIngestRepository handles the ingest_repository tool invocation
func (s *Server) handleIngestRepository(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	gitURL := strings.TrimSpace(getStringDefault(args, "git_url", ""))
	path := strings.TrimSpace(getStringDefault(args, "path", ""))
	repoID := strings.TrimSpace(getStringDefault(args, "repo_id", ""))
	force := getBoolDefault(args, "force", false)
	wait := getBoolDefault(args, "wait", true)

	sources := 0
	for _, v := range []string{gitURL, path, repoID} {
		if v != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, newMCPError(ErrorCodeInvalidParams, "exactly one of git_url, path or repo_id is required", nil)
	}

	var run *storage.Run
	if repoID != "" {
		run, err = s.indexer.Reindex(ctx, repoID, force)
	} else {
		req := indexer.Request{
			DisplayName: strings.TrimSpace(getStringDefault(args, "display_name", "")),
			Force:       force,
		}
		if gitURL != "" {
			req.Kind = storage.SourceGit
			req.URI = gitURL
		} else {
			if !s.allowLocalPaths {
				return nil, newMCPError(ErrorCodeInvalidParams, "local paths are disabled", map[string]interface{}{
					"param": "path",
				})
			}
			if err := validatePath(path); err != nil {
				return nil, newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
					"param":  "path",
					"reason": err.Error(),
				})
			}
			req.Kind = storage.SourceLocal
			req.URI = path
		}
		run, err = s.indexer.Start(ctx, req)
	}
	if err != nil {
		return nil, mapError(err)
	}

	if wait {
		start := time.Now()
		final, err := s.indexer.Wait(ctx, run.RepositoryID, run.ID)
		if final == nil {
			return nil, mapError(err)
		}
		run = final
		response := runResponse(run)
		response["duration_ms"] = time.Since(start).Milliseconds()
		if err != nil {
			return mcp.NewToolResultError(formatJSON(response)), nil
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}
	return mcp.NewToolResultText(formatJSON(runResponse(run))), nil
}

func runResponse(run *storage.Run) map[string]interface{} {
	response := map[string]interface{}{
		"repo_id": run.RepositoryID,
		"run_id":  run.ID,
		"state":   run.State,
	}
	if run.State == types.RunDone || run.State == types.RunError {
		response["statistics"] = map[string]interface{}{
			"documents_total":   run.DocumentsTotal,
			"documents_skipped": run.DocumentsSkipped,
			"documents_failed":  run.DocumentsFailed,
			"chunks_total":      run.ChunksTotal,
			"embeddings_failed": run.EmbeddingsFailed,
		}
	}
	if run.Error != "" {
		response["error"] = run.Error
	}
	return response
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	repoID, err := requireString(args, "repo_id")
	if err != nil {
		return nil, err
	}

	st, err := s.indexer.Status(ctx, repoID)
	if err != nil {
		return nil, mapError(err)
	}
	return mcp.NewToolResultText(formatJSON(st)), nil
}

// handleListRepositories handles the list_repositories tool invocation
func (s *Server) handleListRepositories(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.indexer.List(ctx, "")
	if err != nil {
		return nil, mapError(err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"repositories": list,
		"count":        len(list),
	})), nil
}

// handleSearchChunks handles the search_chunks tool invocation
func (s *Server) handleSearchChunks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	repoID, err := requireString(args, "repo_id")
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(getStringDefault(args, "query", ""))
	if query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	topK := getIntDefault(args, "top_k", searcher.DefaultTopK)
	if topK < 1 || topK > maxTopK {
		return nil, newMCPError(ErrorCodeInvalidParams, "top_k must be between 1 and 100", map[string]interface{}{
			"param": "top_k",
			"value": topK,
		})
	}

	mode := types.SearchMode(getStringDefault(args, "mode", string(types.ModeHybrid)))
	if !mode.Valid() {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   mode,
			"allowed": []types.SearchMode{types.ModeHybrid, types.ModeVector, types.ModeLexical},
		})
	}

	resp, err := s.searcher.Search(ctx, searcher.Request{
		RepoID: repoID,
		Query:  query,
		TopK:   topK,
		Mode:   mode,
	})
	if err != nil {
		return nil, mapError(err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"results":     resp.Used(),
		"candidates":  len(resp.Results),
		"run_id":      resp.RunID,
		"mode":        resp.Mode,
		"cache_hit":   resp.CacheHit,
		"duration_ms": resp.Duration.Milliseconds(),
	})), nil
}

// handleAsk handles the ask tool invocation
func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	repoID, err := requireString(args, "repo_id")
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(getStringDefault(args, "question", ""))
	if question == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "question parameter is required and cannot be empty", map[string]interface{}{
			"param":  "question",
			"reason": "missing or empty",
		})
	}

	res, err := s.answers.Answer(ctx, answer.Request{
		RepoID:         repoID,
		Query:          question,
		ConversationID: getStringDefault(args, "conversation_id", ""),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleDeleteRepository handles the delete_repository tool invocation
func (s *Server) handleDeleteRepository(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	repoID, err := requireString(args, "repo_id")
	if err != nil {
		return nil, err
	}
	if err := s.indexer.Delete(ctx, repoID); err != nil {
		return nil, mapError(err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"repo_id": repoID,
		"deleted": true,
	})), nil
}

// handleQueryContexts handles the query_contexts tool invocation
func (s *Server) handleQueryContexts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	conv, err := requireString(args, "conversation_id")
	if err != nil {
		return nil, err
	}
	list, err := s.recorder.Contexts(ctx, conv)
	if err != nil {
		return nil, mapError(err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"conversation_id": conv,
		"queries":         list,
	})), nil
}

// Helper functions

// mapError converts a service error into an MCP error with a stable code.
func mapError(err error) error {
	var mcpErr *MCPError
	switch {
	case errors.As(err, &mcpErr):
		return err
	case errors.Is(err, types.ErrRepositoryNotFound):
		return newMCPError(ErrorCodeRepositoryNotFound, "repository not found", nil)
	case errors.Is(err, types.ErrIngestionInProgress):
		return newMCPError(ErrorCodeIngestionInProgress, "ingestion already in progress", nil)
	case errors.Is(err, types.ErrNotIndexed):
		return newMCPError(ErrorCodeNotIndexed, "repository not indexed yet", nil)
	case errors.Is(err, types.ErrEmptyQuery):
		return newMCPError(ErrorCodeEmptyQuery, "query cannot be empty", nil)
	case errors.Is(err, snapshot.ErrInvalidGitURL), errors.Is(err, searcher.ErrInvalidMode):
		return newMCPError(ErrorCodeInvalidParams, err.Error(), nil)
	}
	return newMCPError(ErrorCodeInternalError, "internal error", map[string]interface{}{
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

func requireString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing or empty",
		})
	}
	return v, nil
}

// validatePath checks that path is an absolute, readable directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()
	return nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
