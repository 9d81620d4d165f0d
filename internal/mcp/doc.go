// Package mcp implements the Model Context Protocol (MCP) server for bytesophos.
//
// The MCP server exposes the ingestion and question answering pipeline to AI
// assistants:
//   - ingest_repository: ingest a GitHub repository or local directory
//   - get_status: check indexing state, phase progress and statistics
//   - list_repositories: list ingested repositories
//   - search_chunks: hybrid, vector or lexical search over one repository
//   - ask: answer a question from the repository's indexed source
//   - delete_repository: remove a repository and everything derived from it
//   - query_contexts: the chunks each answer of a conversation was built from
//
// # Transports
//
// The server speaks JSON-RPC 2.0 over stdio:
//
//	bytesophos mcp
//
// and over streamable HTTP when mounted by the HTTP API at /mcp:
//
//	bytesophos serve
//
// # Tool: ingest_repository
//
//	Request:
//	{
//	  "name": "ingest_repository",
//	  "arguments": {
//	    "git_url": "https://github.com/user/repo",
//	    "wait": true
//	  }
//	}
//
//	Response:
//	{
//	  "repo_id": "3f0c5e2a-...",
//	  "run_id": 7,
//	  "state": "done",
//	  "statistics": {
//	    "documents_total": 214,
//	    "documents_skipped": 12,
//	    "documents_failed": 0,
//	    "chunks_total": 1630,
//	    "embeddings_failed": 0
//	  },
//	  "duration_ms": 41250
//	}
//
// Exactly one of git_url, path or repo_id is accepted. With repo_id the
// stored source is ingested again. Local paths must be absolute and are
// refused unless the server allows them.
//
// # Tool: search_chunks
//
//	{
//	  "name": "search_chunks",
//	  "arguments": {
//	    "repo_id": "3f0c5e2a-...",
//	    "query": "where are uploads extracted",
//	    "top_k": 5,
//	    "mode": "hybrid"
//	  }
//	}
//
// The response holds the top_k chunks in rank order with their blended,
// vector and lexical scores.
//
// # Error Codes
//
//	-32602  invalid parameters
//	-32603  internal error
//	-32001  repository not found
//	-32002  ingestion already in progress
//	-32003  repository not indexed yet
//	-32004  empty query
package mcp
