package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func repoIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Repository id returned by ingest_repository",
	}
}

// ingestRepositoryTool returns the tool definition for ingest_repository
func ingestRepositoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_repository",
		Description: "Ingest a GitHub repository or local directory so it can be searched and questioned",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"git_url": map[string]interface{}{
					"type":        "string",
					"description": "GitHub URL, e.g. https://github.com/user/repo",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to a local directory (only when the server allows local paths)",
				},
				"repo_id": map[string]interface{}{
					"type":        "string",
					"description": "Re-ingest an existing repository from its stored source instead",
				},
				"display_name": map[string]interface{}{
					"type":        "string",
					"description": "Name shown in listings; derived from the source when omitted",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, re-embed files even when their content did not change",
					"default":     false,
				},
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, return only after the run finishes",
					"default":     true,
				},
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report the indexing state, phase progress and statistics of a repository",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"repo_id": repoIDProperty(),
			},
			Required: []string{"repo_id"},
		},
	}
}

// listRepositoriesTool returns the tool definition for list_repositories
func listRepositoriesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_repositories",
		Description: "List ingested repositories with their status",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// searchChunksTool returns the tool definition for search_chunks
func searchChunksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_chunks",
		Description: "Search a repository's indexed chunks with natural language or keyword queries",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"repo_id": repoIDProperty(),
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of results marked as top hits (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (vector + keyword), vector (semantic only), or lexical (BM25 only)",
					"enum":        []string{"hybrid", "vector", "lexical"},
					"default":     "hybrid",
				},
			},
			Required: []string{"repo_id", "query"},
		},
	}
}

// askTool returns the tool definition for ask
func askTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ask",
		Description: "Answer a question about a repository from its indexed source, citing the files used",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"repo_id": repoIDProperty(),
				"question": map[string]interface{}{
					"type":        "string",
					"description": "The question to answer",
				},
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Groups turns so earlier questions inform the answer",
				},
			},
			Required: []string{"repo_id", "question"},
		},
	}
}

// deleteRepositoryTool returns the tool definition for delete_repository
func deleteRepositoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_repository",
		Description: "Delete a repository with its snapshot, chunks and vectors",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"repo_id": repoIDProperty(),
			},
			Required: []string{"repo_id"},
		},
	}
}

// queryContextsTool returns the tool definition for query_contexts
func queryContextsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query_contexts",
		Description: "List the source chunks each answered question of a conversation was built from",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation id passed to ask",
				},
			},
			Required: []string{"conversation_id"},
		},
	}
}
