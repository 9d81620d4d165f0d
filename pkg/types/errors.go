package types

import "errors"

// Domain errors shared by the ingestion, retrieval and transport layers.
var (
	// Repository lifecycle errors
	ErrRepositoryNotFound  = errors.New("repository not found")
	ErrIngestionInProgress = errors.New("ingestion already in progress")
	ErrNotIndexed          = errors.New("repository has not been indexed yet")
	ErrSnapshotUnreadable  = errors.New("snapshot unreadable")
	ErrForbidden           = errors.New("access to repository denied")

	// Query errors
	ErrEmptyQuery = errors.New("query cannot be empty")

	// Validation errors
	ErrInvalidChunkID        = errors.New("invalid chunk ID")
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between 0 and 1")
	ErrEmptyContent          = errors.New("content cannot be empty")
	ErrRankGap               = errors.New("ranks of used chunks must be contiguous from 1")
)
