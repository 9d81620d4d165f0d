package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/AILab-FOI/bytesophos/internal/storage"
)

// Backend names
const (
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

// Point is one chunk embedding pushed to the index. CreatedRun is the run
// that wrote the chunk's document.
type Point struct {
	ChunkID    int64
	DocumentID int64
	RepoID     string
	Model      string
	CreatedRun int64
	Vector     []float32
}

// Query asks for the Limit nearest chunks of a repository embedded with
// Model. Backends that hold points of runs not yet committed skip those
// created after ActiveRun.
type Query struct {
	RepoID    string
	Model     string
	ActiveRun int64
	Vector    []float32
	Limit     int
}

// Hit is a nearest-neighbour candidate. Score is cosine similarity clamped
// to [0, 1].
type Hit struct {
	ChunkID int64
	Score   float64
}

// Index is a vector nearest-neighbour backend. Hits are candidates only:
// callers re-read them through storage so that snapshot visibility holds
// for every backend.
type Index interface {
	Name() string
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, q Query) ([]Hit, error)
	Delete(ctx context.Context, chunkIDs []int64) error
	DeleteRepository(ctx context.Context, repoID string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend    string
	QdrantHost string
	QdrantPort int
	Collection string
	APIKey     string
	UseTLS     bool
}

// New builds the configured backend. The sqlite backend needs store.
func New(cfg Config, store storage.Storage) (Index, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		return NewSQLite(store), nil
	case BackendQdrant:
		return NewQdrant(cfg)
	default:
		return nil, fmt.Errorf("unknown vector index backend %q", cfg.Backend)
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
