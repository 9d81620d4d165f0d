// Package types provides shared type definitions for bytesophos.
//
// The package holds the domain vocabulary used across ingestion, retrieval
// and the transports: chunks, ranked retrieval results, run states and
// progress records, and the sentinel errors callers match with errors.Is.
//
// # Chunks
//
// A Chunk is a contiguous span of one document. Its identity is the pair
// (document, index) and its hash covers the start offset and the text:
//
//	c := types.Chunk{Index: 0, Content: body, StartOffset: 0, EndOffset: len(body)}
//	c.Hash = types.ComputeChunkHash(c.StartOffset, c.Content)
//
// # Runs and progress
//
// A run moves through queued, uploading, embedding, indexing and done, with
// error reachable from any non-terminal state. Progress reports the three
// phases (upload, embedding, indexing) with processed/total counters.
//
// # Errors
//
//	if errors.Is(err, types.ErrNotIndexed) {
//	    // ask the caller to retry once ingestion completes
//	}
package types
