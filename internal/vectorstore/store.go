// Package vectorstore provides the vector database client used for posts,
// facts, and session memories. Collections carry named dense vectors plus a
// sparse vector for lexical scoring, and payloads are filterable on indexed
// fields. Two implementations exist: QdrantStore (gRPC, docker/cloud modes)
// and LocalStore (in-process, optional SQLite persistence).
package vectorstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the capability surface every backend implements.
//
// Sparse vector values are document-side BM25 components (term-frequency
// normalized at index time); stores apply inverse document frequency at
// query time. Query weights are therefore usually 1.0 per term.
type Store interface {
	// EnsureCollection creates the collection if missing. Idempotent.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	// Upsert writes points, overwriting by id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query returns up to Limit points by descending cosine similarity
	// over the named dense vector, honoring the filter.
	Query(ctx context.Context, q DenseQuery) ([]ScoredPoint, error)

	// SparseQuery scores points lexically over the named sparse vector.
	SparseQuery(ctx context.Context, q SparseQuery) ([]ScoredPoint, error)

	// Scroll pages through points matching the filter. The returned cursor
	// is empty when the collection is exhausted.
	Scroll(ctx context.Context, q ScrollQuery) ([]Point, string, error)

	// Get fetches points by id. Missing ids are omitted, not an error.
	Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Point, error)

	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, collection string, ids []string) error

	// SetPayload merges patch into the payload of one point.
	SetPayload(ctx context.Context, collection string, id string, patch map[string]any) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// =============================================================================
// POINTS AND QUERIES
// =============================================================================

// Point is one stored record: named dense vectors, named sparse vectors,
// and a payload of indexed plus free-form fields.
type Point struct {
	ID            string
	Vectors       map[string][]float32
	SparseVectors map[string]map[string]float64
	Payload       map[string]any
}

// ScoredPoint is a point with its query score.
type ScoredPoint struct {
	Point
	Score float64
}

// DenseQuery asks for nearest neighbors over one named dense vector.
type DenseQuery struct {
	Collection string
	Using      string
	Vector     []float32
	Filter     *Filter
	Limit      int
}

// SparseQuery asks for lexical matches over one named sparse vector.
// Terms map token to query weight.
type SparseQuery struct {
	Collection string
	Using      string
	Terms      map[string]float64
	Filter     *Filter
	Limit      int
}

// ScrollQuery pages through a collection. Cursor comes from a previous
// call; empty starts from the beginning.
type ScrollQuery struct {
	Collection  string
	Filter      *Filter
	Cursor      string
	Batch       int
	WithVectors bool
}

// =============================================================================
// COLLECTION SPECS
// =============================================================================

// Index field types.
const (
	IndexKeyword  = "keyword"
	IndexFloat    = "float"
	IndexBool     = "bool"
	IndexDatetime = "datetime"
)

// PayloadIndex declares one indexed payload field.
type PayloadIndex struct {
	Field string
	Type  string
}

// CollectionSpec declares a collection: named dense vectors (name to
// dimension, cosine distance), sparse vector names, and payload indexes.
type CollectionSpec struct {
	Name          string
	DenseVectors  map[string]int
	SparseVectors []string
	Indexes       []PayloadIndex
}

// =============================================================================
// FACTORY
// =============================================================================

// Config selects and sizes a backend.
type Config struct {
	// Mode is one of memory, local, docker, cloud.
	Mode string

	// URL is the Qdrant endpoint for docker and cloud modes.
	URL string

	// APIKey authenticates cloud mode.
	APIKey string

	// StoragePath is the snapshot file for local mode.
	StoragePath string

	// PoolSize bounds concurrent store operations.
	PoolSize int

	// PoolWait bounds how long a caller queues for a pool slot.
	PoolWait time.Duration
}

// New builds the store for the configured mode, wrapped in a connection
// guard.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	logger = logger.Named("vectorstore")
	var (
		inner Store
		err   error
	)
	switch cfg.Mode {
	case "memory":
		inner = NewLocalStore(logger)
	case "local":
		inner, err = NewLocalStoreWithPath(cfg.StoragePath, logger)
	case "docker", "cloud":
		inner, err = NewQdrantStore(QdrantConfig{
			Mode:   cfg.Mode,
			URL:    cfg.URL,
			APIKey: cfg.APIKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported store mode: %s (use 'memory', 'local', 'docker', or 'cloud')", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return NewGuard(inner, cfg.PoolSize, cfg.PoolWait), nil
}
