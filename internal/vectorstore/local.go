package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"chronofact/internal/core"
	"chronofact/internal/embedding"
)

// =============================================================================
// LOCAL STORE
// =============================================================================

// BM25 parameters for sparse scoring.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// LocalStore is an in-process Store. Dense scoring is exact cosine, sparse
// scoring is BM25 with document-frequency stats maintained on every
// mutation. With a path it snapshots every mutation through SQLite, so a
// dev instance survives restarts; without one it is purely in-memory.
type LocalStore struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	db          *sql.DB
	collections map[string]*localCollection
	closed      bool
}

type localCollection struct {
	spec   CollectionSpec
	points map[string]Point
	// df counts, per sparse vector name, how many documents carry each term.
	df map[string]map[string]int
	// docs counts documents per sparse vector name, the N of the IDF.
	docs map[string]int
}

var _ Store = (*LocalStore)(nil)
var _ Store = (*QdrantStore)(nil)

// NewLocalStore creates an in-memory store.
func NewLocalStore(logger *zap.Logger) *LocalStore {
	return &LocalStore{
		logger:      logger,
		collections: make(map[string]*localCollection),
	}
}

// NewLocalStoreWithPath creates a store persisted to a SQLite file. Existing
// contents are loaded on open.
func NewLocalStoreWithPath(path string, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &LocalStore{
		logger:      logger,
		db:          db,
		collections: make(map[string]*localCollection),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("opened local store",
		zap.String("path", path),
		zap.Int("collections", len(s.collections)))
	return s, nil
}

func (s *LocalStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	spec TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS points (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *LocalStore) load() error {
	rows, err := s.db.Query("SELECT name, spec FROM collections")
	if err != nil {
		return fmt.Errorf("failed to load collections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, specJSON string
		if err := rows.Scan(&name, &specJSON); err != nil {
			continue
		}
		var spec CollectionSpec
		if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
			s.logger.Warn("skipping collection with bad spec", zap.String("collection", name), zap.Error(err))
			continue
		}
		s.collections[name] = newLocalCollection(spec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	pointRows, err := s.db.Query("SELECT collection, id, data FROM points")
	if err != nil {
		return fmt.Errorf("failed to load points: %w", err)
	}
	defer pointRows.Close()

	for pointRows.Next() {
		var collection, id, data string
		if err := pointRows.Scan(&collection, &id, &data); err != nil {
			continue
		}
		coll, ok := s.collections[collection]
		if !ok {
			continue
		}
		var p Point
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			s.logger.Warn("skipping bad point", zap.String("collection", collection), zap.String("id", id), zap.Error(err))
			continue
		}
		coll.insert(p)
	}
	return pointRows.Err()
}

func newLocalCollection(spec CollectionSpec) *localCollection {
	return &localCollection{
		spec:   spec,
		points: make(map[string]Point),
		df:     make(map[string]map[string]int),
		docs:   make(map[string]int),
	}
}

// insert adds a point and updates sparse stats. Callers hold the lock and
// have already removed any previous version of the id.
func (c *localCollection) insert(p Point) {
	c.points[p.ID] = p
	for name, terms := range p.SparseVectors {
		if c.df[name] == nil {
			c.df[name] = make(map[string]int)
		}
		for term := range terms {
			c.df[name][term]++
		}
		c.docs[name]++
	}
}

func (c *localCollection) remove(id string) {
	p, ok := c.points[id]
	if !ok {
		return
	}
	for name, terms := range p.SparseVectors {
		for term := range terms {
			if c.df[name][term] > 1 {
				c.df[name][term]--
			} else {
				delete(c.df[name], term)
			}
		}
		c.docs[name]--
	}
	delete(c.points, id)
}

// EnsureCollection creates the collection if missing. Idempotent.
func (s *LocalStore) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[spec.Name]; ok {
		return nil
	}
	s.collections[spec.Name] = newLocalCollection(spec)

	if s.db != nil {
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(
			"INSERT OR REPLACE INTO collections (name, spec) VALUES (?, ?)",
			spec.Name, string(specJSON),
		); err != nil {
			return fmt.Errorf("%w: persist collection: %v", core.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Upsert writes points, overwriting by id.
func (s *LocalStore) Upsert(ctx context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q", core.ErrNotFound, collection)
	}

	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("%w: point without id", core.ErrSchemaMismatch)
		}
		for name, vec := range p.Vectors {
			dim, ok := coll.spec.DenseVectors[name]
			if !ok {
				return fmt.Errorf("%w: unknown vector %q in %q", core.ErrSchemaMismatch, name, collection)
			}
			if len(vec) != dim {
				return fmt.Errorf("%w: vector %q has %d dims, want %d", core.ErrSchemaMismatch, name, len(vec), dim)
			}
		}
		for name := range p.SparseVectors {
			if !containsString(coll.spec.SparseVectors, name) {
				return fmt.Errorf("%w: unknown sparse vector %q in %q", core.ErrSchemaMismatch, name, collection)
			}
		}

		coll.remove(p.ID)
		coll.insert(clonePoint(p))

		if s.db != nil {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if _, err := s.db.Exec(
				"INSERT OR REPLACE INTO points (collection, id, data) VALUES (?, ?, ?)",
				collection, p.ID, string(data),
			); err != nil {
				return fmt.Errorf("%w: persist point: %v", core.ErrStoreUnavailable, err)
			}
		}
	}
	return nil
}

// Query runs an exact cosine scan over the named dense vector.
func (s *LocalStore) Query(ctx context.Context, q DenseQuery) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[q.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", core.ErrNotFound, q.Collection)
	}
	if _, ok := coll.spec.DenseVectors[q.Using]; !ok {
		return nil, fmt.Errorf("%w: unknown vector %q in %q", core.ErrSchemaMismatch, q.Using, q.Collection)
	}

	var results []ScoredPoint
	for _, p := range coll.points {
		vec, ok := p.Vectors[q.Using]
		if !ok {
			continue
		}
		if !q.Filter.Matches(p.Payload) {
			continue
		}
		score, err := embedding.CosineSimilarity(q.Vector, vec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrSchemaMismatch, err)
		}
		results = append(results, ScoredPoint{Point: exportPoint(p, false), Score: score})
	}

	sortScored(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// SparseQuery scores BM25 over the named sparse vector. Stored values carry
// the document-side term weight; IDF comes from collection stats.
func (s *LocalStore) SparseQuery(ctx context.Context, q SparseQuery) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[q.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", core.ErrNotFound, q.Collection)
	}

	df := coll.df[q.Using]
	n := coll.docs[q.Using]

	var results []ScoredPoint
	for _, p := range coll.points {
		terms, ok := p.SparseVectors[q.Using]
		if !ok {
			continue
		}
		if !q.Filter.Matches(p.Payload) {
			continue
		}

		var score float64
		for term, qWeight := range q.Terms {
			stored, ok := terms[term]
			if !ok {
				continue
			}
			score += qWeight * idf(n, df[term]) * stored
		}
		if score <= 0 {
			continue
		}
		results = append(results, ScoredPoint{Point: exportPoint(p, false), Score: score})
	}

	sortScored(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// idf follows the BM25+ shape, never negative for df <= n.
func idf(n, df int) float64 {
	if n == 0 || df == 0 {
		return 0
	}
	return math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
}

// Scroll pages by ascending id, cursor exclusive.
func (s *LocalStore) Scroll(ctx context.Context, q ScrollQuery) ([]Point, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[q.Collection]
	if !ok {
		return nil, "", fmt.Errorf("%w: collection %q", core.ErrNotFound, q.Collection)
	}

	ids := make([]string, 0, len(coll.points))
	for id, p := range coll.points {
		if id <= q.Cursor {
			continue
		}
		if !q.Filter.Matches(p.Payload) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	batch := q.Batch
	if batch <= 0 {
		batch = 100
	}

	next := ""
	if len(ids) > batch {
		ids = ids[:batch]
		next = ids[len(ids)-1]
	}

	points := make([]Point, 0, len(ids))
	for _, id := range ids {
		points = append(points, exportPoint(coll.points[id], q.WithVectors))
	}
	return points, next, nil
}

// Get fetches points by id. Missing ids are omitted.
func (s *LocalStore) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", core.ErrNotFound, collection)
	}

	points := make([]Point, 0, len(ids))
	for _, id := range ids {
		p, ok := coll.points[id]
		if !ok {
			continue
		}
		points = append(points, exportPoint(p, withVectors))
	}
	return points, nil
}

// Delete removes points by id. Missing ids are not an error.
func (s *LocalStore) Delete(ctx context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q", core.ErrNotFound, collection)
	}

	for _, id := range ids {
		coll.remove(id)
		if s.db != nil {
			if _, err := s.db.Exec(
				"DELETE FROM points WHERE collection = ? AND id = ?",
				collection, id,
			); err != nil {
				return fmt.Errorf("%w: delete point: %v", core.ErrStoreUnavailable, err)
			}
		}
	}
	return nil
}

// SetPayload merges patch into one point's payload.
func (s *LocalStore) SetPayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q", core.ErrNotFound, collection)
	}
	p, ok := coll.points[id]
	if !ok {
		return fmt.Errorf("%w: point %q in %q", core.ErrNotFound, id, collection)
	}

	if p.Payload == nil {
		p.Payload = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	coll.points[id] = p

	if s.db != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(
			"INSERT OR REPLACE INTO points (collection, id, data) VALUES (?, ?, ?)",
			collection, id, string(data),
		); err != nil {
			return fmt.Errorf("%w: persist point: %v", core.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// HealthCheck reports whether the store is open.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: local store closed", core.ErrStoreUnavailable)
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("%w: local store: %v", core.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Close releases the snapshot database, if any.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortScored(results []ScoredPoint) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func clonePoint(p Point) Point {
	out := Point{ID: p.ID}
	if p.Vectors != nil {
		out.Vectors = make(map[string][]float32, len(p.Vectors))
		for name, vec := range p.Vectors {
			cp := make([]float32, len(vec))
			copy(cp, vec)
			out.Vectors[name] = cp
		}
	}
	if p.SparseVectors != nil {
		out.SparseVectors = make(map[string]map[string]float64, len(p.SparseVectors))
		for name, terms := range p.SparseVectors {
			tm := make(map[string]float64, len(terms))
			for t, w := range terms {
				tm[t] = w
			}
			out.SparseVectors[name] = tm
		}
	}
	if p.Payload != nil {
		out.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// exportPoint returns a caller-safe copy; vectors only when asked.
func exportPoint(p Point, withVectors bool) Point {
	out := Point{ID: p.ID}
	if withVectors && p.Vectors != nil {
		out.Vectors = make(map[string][]float32, len(p.Vectors))
		for name, vec := range p.Vectors {
			cp := make([]float32, len(vec))
			copy(cp, vec)
			out.Vectors[name] = cp
		}
	}
	if p.Payload != nil {
		out.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
