package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/AILab-FOI/bytesophos/internal/logging"
)

const (
	payloadRepoID     = "repo_id"
	payloadModel      = "model"
	payloadDocumentID = "document_id"
	payloadCreatedRun = "created_run"
)

// Qdrant stores chunk embeddings in Qdrant collections, one per vector
// dimension. Point ids are chunk ids.
type Qdrant struct {
	client *qdrant.Client
	prefix string
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewQdrant connects to the Qdrant gRPC endpoint.
func NewQdrant(cfg Config) (*Qdrant, error) {
	host := cfg.QdrantHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.QdrantPort
	if port == 0 {
		port = 6334
	}
	prefix := cfg.Collection
	if prefix == "" {
		prefix = "bytesophos_chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	return &Qdrant{
		client: client,
		prefix: prefix,
		logger: logging.NewModuleLogger("vectorindex", "qdrant"),
		known:  make(map[string]bool),
	}, nil
}

func (q *Qdrant) Name() string { return BackendQdrant }

func collectionName(prefix string, dim int) string {
	return fmt.Sprintf("%s_%d", prefix, dim)
}

func (q *Qdrant) ensureCollection(ctx context.Context, name string, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.known[name] {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		q.logger.Info("created collection", "collection", name, "dimension", dim)
	}
	q.known[name] = true
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, points []Point) error {
	byDim := make(map[int][]*qdrant.PointStruct)
	for _, p := range points {
		if len(p.Vector) == 0 {
			continue
		}
		byDim[len(p.Vector)] = append(byDim[len(p.Vector)], toPointStruct(p))
	}

	for dim, batch := range byDim {
		name := collectionName(q.prefix, dim)
		if err := q.ensureCollection(ctx, name, dim); err != nil {
			return err
		}
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         batch,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert %d points: %w", len(batch), err)
		}
	}
	return nil
}

func toPointStruct(p Point) *qdrant.PointStruct {
	vector := make([]float32, len(p.Vector))
	copy(vector, p.Vector)
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(p.ChunkID)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(map[string]interface{}{
			payloadRepoID:     p.RepoID,
			payloadModel:      p.Model,
			payloadDocumentID: p.DocumentID,
			payloadCreatedRun: p.CreatedRun,
		}),
	}
}

// searchFilter restricts a query to the repository and model, and to
// points written by the active run or earlier so that an ingestion in
// flight does not take candidate slots.
func searchFilter(query Query) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch(payloadRepoID, query.RepoID),
		qdrant.NewMatch(payloadModel, query.Model),
	}
	if query.ActiveRun > 0 {
		must = append(must, qdrant.NewRange(payloadCreatedRun, &qdrant.Range{
			Lte: qdrant.PtrOf(float64(query.ActiveRun)),
		}))
	}
	return &qdrant.Filter{Must: must}
}

func (q *Qdrant) Search(ctx context.Context, query Query) ([]Hit, error) {
	if len(query.Vector) == 0 || query.Limit <= 0 {
		return []Hit{}, nil
	}
	name := collectionName(q.prefix, len(query.Vector))
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		return []Hit{}, nil
	}

	n := uint64(query.Limit)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(query.Vector...),
		Limit:          &n,
		Filter:         searchFilter(query),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}
	return hitsFrom(points), nil
}

func hitsFrom(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		id := p.GetId()
		if id == nil {
			continue
		}
		hits = append(hits, Hit{
			ChunkID: int64(id.GetNum()),
			Score:   clampUnit(float64(p.GetScore())),
		})
	}
	return hits
}

// collections lists the collections this index owns.
func (q *Qdrant) collections(ctx context.Context) ([]string, error) {
	all, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var owned []string
	for _, name := range all {
		if strings.HasPrefix(name, q.prefix+"_") {
			owned = append(owned, name)
		}
	}
	return owned, nil
}

func (q *Qdrant) Delete(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = qdrant.NewIDNum(uint64(id))
	}
	names, err := q.collections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(ids...),
		})
		if err != nil {
			return fmt.Errorf("failed to delete points from %s: %w", name, err)
		}
	}
	return nil
}

func (q *Qdrant) DeleteRepository(ctx context.Context, repoID string) error {
	names, err := q.collections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch(payloadRepoID, repoID)},
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to delete repository points from %s: %w", name, err)
		}
	}
	return nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}
