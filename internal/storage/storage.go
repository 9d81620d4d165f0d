package storage

import (
	"context"
	"time"

	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Storage defines the interface for persisting repositories, their ingested
// snapshots and the query audit trail.
type Storage interface {
	// Repository operations
	CreateRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, repoID string) (*Repository, error)
	UpdateRepository(ctx context.Context, repo *Repository) error
	ListRepositories(ctx context.Context, userID string) ([]*Repository, error)
	DeleteRepository(ctx context.Context, repoID string) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID int64) (*Run, error)
	GetLatestRun(ctx context.Context, repoID string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	FailInterruptedRuns(ctx context.Context, message string) (int, error)
	PrepareRun(ctx context.Context, repoID string) (purgedChunkIDs []int64, err error)
	CommitRun(ctx context.Context, repoID string, runID int64) (purgedChunkIDs []int64, err error)

	// Document operations
	InsertDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, docID int64) (*Document, error)
	ListCurrentDocuments(ctx context.Context, repoID string) ([]*Document, error)
	ListRunDocuments(ctx context.Context, repoID string, runID int64) ([]*Document, error)
	RetireDocument(ctx context.Context, docID, runID int64) error
	SetDocumentStatus(ctx context.Context, docID int64, status DocumentStatus, errMsg string) error

	// Chunk operations
	UpsertChunks(ctx context.Context, docID int64, chunks []types.Chunk) ([]int64, error)
	ListChunksByDocument(ctx context.Context, docID int64) ([]*Chunk, error)
	ListChunksMissingEmbedding(ctx context.Context, repoID string, runID int64) ([]*Chunk, error)
	SetChunkEmbedding(ctx context.Context, chunkID int64, vector []float32, model string) error
	SetChunkEmbeddingError(ctx context.Context, chunkID int64, message string) error
	IndexDocumentLexical(ctx context.Context, docID int64) (int, error)

	// Search operations
	SearchVector(ctx context.Context, repoID, model string, vector []float32, limit int) ([]VectorResult, error)
	SearchText(ctx context.Context, repoID, query string, limit int) ([]TextResult, error)
	GetChunksByIDs(ctx context.Context, repoID string, chunkIDs []int64) ([]*ChunkRecord, error)

	// Query audit operations
	CreateQuery(ctx context.Context, q *Query) error
	InsertRetrievedChunks(ctx context.Context, queryID string, chunks []*RetrievedChunk) error
	ListQueriesByConversation(ctx context.Context, conversationID string, limit int) ([]*Query, error)
	ListRetrievedChunks(ctx context.Context, queryID string) ([]*RetrievedChunk, error)

	// Status operations
	GetStats(ctx context.Context, repoID string) (*types.RepositoryStats, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
	RunInTx(ctx context.Context, fn func(Tx) error) error
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// SourceKind says where a repository snapshot comes from.
type SourceKind string

const (
	SourceGit    SourceKind = "git"
	SourceUpload SourceKind = "upload"
	SourceLocal  SourceKind = "local"
)

// Repository is a named collection of documents ingested as one snapshot.
type Repository struct {
	ID            string
	OwnerID       string // empty means unowned
	SourceKind    SourceKind
	SourceURI     string
	StoragePath   string
	DisplayName   string
	IsShared      bool
	Metadata      map[string]string
	ActiveRunID   *int64 // last committed run
	LastIndexedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanAccess reports whether userID may read the repository.
func (r *Repository) CanAccess(userID string) bool {
	return r.OwnerID == "" || r.IsShared || r.OwnerID == userID
}

// Run is one ingestion attempt over a repository snapshot.
type Run struct {
	ID               int64
	RepositoryID     string
	State            types.RunState
	Force            bool
	Error            string
	DocumentsTotal   int
	DocumentsSkipped int
	DocumentsFailed  int
	ChunksTotal      int
	EmbeddingsFailed int
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// DocumentStatus tracks a document version through ingestion.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentIngested DocumentStatus = "ingested"
	DocumentError    DocumentStatus = "error"
)

// Document is one version of a file in a repository snapshot.
type Document struct {
	ID             int64
	RepositoryID   string
	Path           string // slash separated, relative to the snapshot root
	Version        int
	Checksum       string // hex SHA-256, empty when unreadable
	SizeBytes      int64
	Language       string
	ContentKind    string
	Status         DocumentStatus
	Error          string
	EmbeddingModel string
	CreatedRun     int64
	RetiredRun     *int64
	CreatedAt      time.Time
}

// Chunk is a stored chunk with its embedding state.
type Chunk struct {
	ID             int64
	DocumentID     int64
	ChunkIndex     int
	Content        string
	ChunkHash      string
	StartOffset    int
	EndOffset      int
	StartLine      int
	EndLine        int
	TokenCount     int
	Embedding      []float32
	EmbeddingModel string
	EmbeddingError string
	LexicalIndexed bool
}

// ChunkRecord is a visible chunk joined with its document.
type ChunkRecord struct {
	Chunk
	Path     string
	Language string
}

// Query is one recorded question and its answer.
type Query struct {
	ID             string
	RepositoryID   string
	ConversationID string
	UserID         string
	Question       string
	Answer         string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// RetrievedChunk is the audit row for one chunk returned to a query.
// ChunkID is nil once the chunk has been removed by re-indexing.
type RetrievedChunk struct {
	ID           int64
	QueryID      string
	ChunkID      *int64
	DocumentPath string
	ChunkIndex   int
	StartLine    int
	EndLine      int
	Snippet      string
	Score        float64
	VectorScore  float64
	LexicalScore float64
	Rank         int
	UsedInPrompt bool
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	ChunkID         int64
	SimilarityScore float64 // cosine, clamped to [0, 1]
}

// TextResult represents a result from full-text search
type TextResult struct {
	ChunkID   int64
	BM25Score float64 // normalized to [0, 1] against the best hit
}
