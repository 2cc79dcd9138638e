package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names used in Qdrant points.
const (
	payloadQuestion = "question"
	payloadAnswer   = "answer"
	payloadLanguage = "language"
)

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection (namespace) to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index backed by a Qdrant collection.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex creates a new QdrantIndex, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use Index.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return idx, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}

	return nil
}

// Upsert stores or replaces the vector and metadata snapshot for one record.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vec []float32, payload Payload) error {
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(vec...),
		Payload: qdrant.NewValueMap(map[string]interface{}{
			payloadQuestion: payload.Question,
			payloadAnswer:   payload.Answer,
			payloadLanguage: payload.Language,
		}),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %s: %w", id, err)
	}

	return nil
}

// Query performs a cosine similarity search and returns the top-k hits.
func (q *QdrantIndex) Query(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	limit := uint64(topK)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{
			ID:    r.Id.GetUuid(),
			Score: r.Score,
		}
		if p := r.Payload; len(p) > 0 {
			payload := &Payload{}
			if v, ok := p[payloadQuestion]; ok {
				payload.Question = v.GetStringValue()
			}
			if v, ok := p[payloadAnswer]; ok {
				payload.Answer = v.GetStringValue()
			}
			if v, ok := p[payloadLanguage]; ok {
				payload.Language = v.GetStringValue()
			}
			hit.Payload = payload
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// DeleteOne removes a single point. Deleting a point that does not exist
// is a no-op for Qdrant, which matches the idempotent-delete contract.
func (q *QdrantIndex) DeleteOne(ctx context.Context, id string) error {
	return q.DeleteMany(ctx, []string{id})
}

// DeleteMany removes a batch of points by their ids.
func (q *QdrantIndex) DeleteMany(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}

	return nil
}

// DeleteAll clears every point in the collection. An empty filter selects
// all points; clearing an already-empty collection succeeds.
func (q *QdrantIndex) DeleteAll(ctx context.Context) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete all: %w", err)
	}
	return nil
}

// Stats reports the exact point count of the collection.
func (q *QdrantIndex) Stats(ctx context.Context) (Stats, error) {
	exact := true
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Exact:          &exact,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("qdrant: count: %w", err)
	}
	return Stats{TotalCount: count}, nil
}

// Ping checks Qdrant reachability via its native HealthCheck RPC. Used by
// the server's readiness probe.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Name returns the dependency label used in readiness responses.
func (q *QdrantIndex) Name() string { return "qdrant" }

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
