// Package memory implements the evolving session memory: temporal decay,
// reinforcement on access, threshold deletion, and consolidation of
// near-duplicate recollections, all layered on the session_memory
// collection of the vector store.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronofact/internal/core"
	"chronofact/internal/embedding"
	"chronofact/internal/metrics"
	"chronofact/internal/vectorstore"
)

// Memory types. Each carries its own decay rate: facts outlive
// interactions, preferences sit in between.
const (
	TypeInteraction = core.MemoryTypeInteraction
	TypeFact        = core.MemoryTypeFact
	TypePreference  = core.MemoryTypePreference
)

const (
	defaultTauDelete     = 0.2
	defaultBeta          = 0.1
	defaultConsolidation = 0.85
	scrollBatch          = 100
)

// Params tunes the lifecycle. Zero values select the defaults.
type Params struct {
	// DecayRates maps memory_type to relevance lost per idle day.
	DecayRates map[string]float64

	// TauDelete is the relevance floor; memories below it are deleted
	// and must never surface in retrieval.
	TauDelete float64

	// Beta is the reinforcement step toward 1 on each access.
	Beta float64

	// ConsolidationThreshold is the cosine similarity above which two
	// same-session memories count as duplicates.
	ConsolidationThreshold float64
}

// DefaultParams returns the standard lifecycle constants.
func DefaultParams() Params {
	return Params{
		DecayRates: map[string]float64{
			TypeInteraction: 0.02,
			TypeFact:        0.005,
			TypePreference:  0.01,
		},
		TauDelete:              defaultTauDelete,
		Beta:                   defaultBeta,
		ConsolidationThreshold: defaultConsolidation,
	}
}

// Engine runs the memory lifecycle against the vector store.
type Engine struct {
	store  vectorstore.Store
	text   embedding.TextEngine
	logger *zap.Logger

	mu     sync.RWMutex
	params Params
}

// NewEngine creates an Engine. Out-of-range params fall back to defaults.
func NewEngine(store vectorstore.Store, text embedding.TextEngine, params Params, logger *zap.Logger) *Engine {
	return &Engine{store: store, text: text, logger: logger.Named("memory"), params: sanitizeParams(params)}
}

// SetParams swaps the lifecycle constants. Safe under concurrent use, so
// decay rates can be hot-reloaded without a restart.
func (e *Engine) SetParams(params Params) {
	params = sanitizeParams(params)
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
}

func (e *Engine) currentParams() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

func sanitizeParams(params Params) Params {
	def := DefaultParams()
	if len(params.DecayRates) == 0 {
		params.DecayRates = def.DecayRates
	}
	if params.TauDelete <= 0 || params.TauDelete >= 1 {
		params.TauDelete = def.TauDelete
	}
	if params.Beta <= 0 || params.Beta > 1 {
		params.Beta = def.Beta
	}
	if params.ConsolidationThreshold <= 0 || params.ConsolidationThreshold > 1 {
		params.ConsolidationThreshold = def.ConsolidationThreshold
	}
	return params
}

// Store embeds content and inserts a fresh memory with full relevance.
func (e *Engine) Store(ctx context.Context, sessionID, content, memoryType string) (core.Memory, error) {
	if sessionID == "" {
		return core.Memory{}, fmt.Errorf("%w: session id is required", core.ErrInvalidRequest)
	}
	if content == "" {
		return core.Memory{}, fmt.Errorf("%w: memory content is empty", core.ErrInvalidRequest)
	}
	rate, ok := e.currentParams().DecayRates[memoryType]
	if !ok {
		return core.Memory{}, fmt.Errorf("%w: unknown memory type %q", core.ErrInvalidRequest, memoryType)
	}

	vec, err := e.text.Embed(ctx, content)
	if err != nil {
		return core.Memory{}, fmt.Errorf("embedding memory: %w", err)
	}

	now := time.Now().UTC()
	m := core.Memory{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Content:        content,
		MemoryType:     memoryType,
		CreatedAt:      now,
		LastAccessed:   now,
		RelevanceScore: 1.0,
		DecayRate:      rate,
	}
	point := vectorstore.Point{
		ID:      m.ID,
		Vectors: map[string][]float32{core.VectorText: vec},
		Payload: m.Payload(),
	}
	if err := e.store.Upsert(ctx, core.CollectionMemory, []vectorstore.Point{point}); err != nil {
		return core.Memory{}, fmt.Errorf("storing memory: %w", err)
	}
	e.logger.Debug("memory stored",
		zap.String("session_id", sessionID),
		zap.String("memory_type", memoryType),
		zap.String("memory_id", m.ID))
	return m, nil
}

// RetrieveAndReinforce returns the session memories nearest the query vector
// and reinforces every hit: being retrieved is evidence of continued
// relevance. Relevance and access counts only move upward here.
func (e *Engine) RetrieveAndReinforce(ctx context.Context, sessionID string, queryVector []float32, limit int, minRelevance float64) ([]core.Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	params := e.currentParams()
	// Below the deletion threshold a memory is dead even if the sweep has
	// not collected it yet.
	if minRelevance < params.TauDelete {
		minRelevance = params.TauDelete
	}
	minRel := minRelevance
	hits, err := e.store.Query(ctx, vectorstore.DenseQuery{
		Collection: core.CollectionMemory,
		Using:      core.VectorText,
		Vector:     queryVector,
		Filter: &vectorstore.Filter{Must: []vectorstore.Condition{
			{Key: "session_id", Match: sessionID},
			{Key: "relevance_score", GTE: &minRel},
		}},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}

	now := time.Now().UTC()
	out := make([]core.Memory, 0, len(hits))
	for _, hit := range hits {
		m := core.MemoryFromPayload(hit.ID, hit.Payload)
		m.RelevanceScore = math.Min(1, m.RelevanceScore+params.Beta*(1-m.RelevanceScore))
		m.LastAccessed = now
		m.AccessCount++
		patch := map[string]any{
			"relevance_score": m.RelevanceScore,
			"last_accessed":   now.Format(time.RFC3339),
			"access_count":    m.AccessCount,
		}
		if err := e.store.SetPayload(ctx, core.CollectionMemory, m.ID, patch); err != nil {
			// The caller still gets the memory; reinforcement is best
			// effort and the next access can redo it.
			e.logger.Warn("memory reinforcement write failed",
				zap.String("memory_id", m.ID), zap.Error(err))
		}
		out = append(out, m)
	}
	return out, nil
}

// ApplyGlobalDecay decays every memory by its idle time since last access
// and deletes what falls below the threshold. Memories touched within the
// same instant are left alone. Returns (updated, deleted).
func (e *Engine) ApplyGlobalDecay(ctx context.Context) (int, int, error) {
	now := time.Now().UTC()
	tauDelete := e.currentParams().TauDelete
	var updated, deleted int
	cursor := ""
	for {
		batch, next, err := e.store.Scroll(ctx, vectorstore.ScrollQuery{
			Collection: core.CollectionMemory,
			Cursor:     cursor,
			Batch:      scrollBatch,
		})
		if err != nil {
			return updated, deleted, fmt.Errorf("memory scroll: %w", err)
		}

		var doomed []string
		for _, pt := range batch {
			m := core.MemoryFromPayload(pt.ID, pt.Payload)
			days := now.Sub(m.LastAccessed).Hours() / 24
			if days <= 0 {
				continue
			}
			decayed := m.RelevanceScore * math.Exp(-m.DecayRate*days)
			if decayed < tauDelete {
				doomed = append(doomed, pt.ID)
				continue
			}
			if err := e.store.SetPayload(ctx, core.CollectionMemory, pt.ID,
				map[string]any{"relevance_score": decayed}); err != nil {
				e.logger.Warn("decay write failed", zap.String("memory_id", pt.ID), zap.Error(err))
				continue
			}
			updated++
		}
		if len(doomed) > 0 {
			if err := e.store.Delete(ctx, core.CollectionMemory, doomed); err != nil {
				return updated, deleted, fmt.Errorf("deleting decayed memories: %w", err)
			}
			deleted += len(doomed)
			metrics.MemoriesDeleted.Add(float64(len(doomed)))
		}
		if next == "" {
			break
		}
		cursor = next
	}
	e.logger.Info("memory decay applied", zap.Int("updated", updated), zap.Int("deleted", deleted))
	return updated, deleted, nil
}

// ConsolidateSimilar merges near-duplicate memories of one session. Each
// unvisited memory seeds a cluster of the later memories whose similarity
// to it meets the threshold; clusters of two or more collapse into one
// consolidated memory carrying the longest content, the maximum relevance,
// and the member ids as parents. Children are deleted only after the merged
// memory is written. A cluster touched between the scan and the merge is
// skipped and picked up on the next sweep. Returns the number of merges.
func (e *Engine) ConsolidateSimilar(ctx context.Context, sessionID string, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = e.currentParams().ConsolidationThreshold
	}
	points, err := e.sessionPoints(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	merged := 0
	used := make(map[string]bool, len(points))
	for i := range points {
		if used[points[i].ID] {
			continue
		}
		seed := points[i].Vectors[core.VectorText]
		if len(seed) == 0 {
			continue
		}
		cluster := []vectorstore.Point{points[i]}
		for j := i + 1; j < len(points); j++ {
			if used[points[j].ID] {
				continue
			}
			vec := points[j].Vectors[core.VectorText]
			if len(vec) == 0 {
				continue
			}
			sim, err := embedding.CosineSimilarity(seed, vec)
			if err != nil || sim < threshold {
				continue
			}
			cluster = append(cluster, points[j])
		}
		if len(cluster) < 2 {
			continue
		}
		if err := e.mergeCluster(ctx, sessionID, cluster); err != nil {
			e.logger.Warn("consolidation skipped",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		for _, member := range cluster {
			used[member.ID] = true
		}
		merged++
		metrics.MemoriesConsolidated.Inc()
	}
	if merged > 0 {
		e.logger.Info("memories consolidated",
			zap.String("session_id", sessionID), zap.Int("clusters", merged))
	}
	return merged, nil
}

func (e *Engine) sessionPoints(ctx context.Context, sessionID string) ([]vectorstore.Point, error) {
	filter := &vectorstore.Filter{Must: []vectorstore.Condition{{Key: "session_id", Match: sessionID}}}
	var points []vectorstore.Point
	cursor := ""
	for {
		batch, next, err := e.store.Scroll(ctx, vectorstore.ScrollQuery{
			Collection:  core.CollectionMemory,
			Filter:      filter,
			Cursor:      cursor,
			Batch:       scrollBatch,
			WithVectors: true,
		})
		if err != nil {
			return nil, fmt.Errorf("memory scroll: %w", err)
		}
		points = append(points, batch...)
		if next == "" {
			return points, nil
		}
		cursor = next
	}
}

// mergeCluster writes the consolidated memory, then deletes the children.
func (e *Engine) mergeCluster(ctx context.Context, sessionID string, cluster []vectorstore.Point) error {
	ids := make([]string, 0, len(cluster))
	scanned := make(map[string]string, len(cluster))
	for _, member := range cluster {
		ids = append(ids, member.ID)
		la, _ := member.Payload["last_accessed"].(string)
		scanned[member.ID] = la
	}

	// A reinforcement may have landed between the scan and now; merging
	// from the stale snapshot would erase it.
	fresh, err := e.store.Get(ctx, core.CollectionMemory, ids, false)
	if err != nil {
		return fmt.Errorf("re-reading cluster: %w", err)
	}
	if len(fresh) != len(cluster) {
		return fmt.Errorf("cluster member deleted concurrently")
	}
	for _, pt := range fresh {
		la, _ := pt.Payload["last_accessed"].(string)
		if la != scanned[pt.ID] {
			return fmt.Errorf("memory %s accessed during consolidation", pt.ID)
		}
	}

	longest := core.MemoryFromPayload(cluster[0].ID, cluster[0].Payload)
	vector := cluster[0].Vectors[core.VectorText]
	maxRelevance := longest.RelevanceScore
	for _, member := range cluster[1:] {
		m := core.MemoryFromPayload(member.ID, member.Payload)
		if len(m.Content) > len(longest.Content) {
			longest = m
			vector = member.Vectors[core.VectorText]
		}
		if m.RelevanceScore > maxRelevance {
			maxRelevance = m.RelevanceScore
		}
	}

	now := time.Now().UTC()
	mergedMemory := core.Memory{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Content:        longest.Content,
		MemoryType:     longest.MemoryType,
		CreatedAt:      now,
		LastAccessed:   now,
		RelevanceScore: maxRelevance,
		DecayRate:      longest.DecayRate,
		IsConsolidated: true,
		ParentMemories: ids,
	}
	point := vectorstore.Point{
		ID:      mergedMemory.ID,
		Vectors: map[string][]float32{core.VectorText: vector},
		Payload: mergedMemory.Payload(),
	}
	if err := e.store.Upsert(ctx, core.CollectionMemory, []vectorstore.Point{point}); err != nil {
		return fmt.Errorf("writing consolidated memory: %w", err)
	}
	return e.store.Delete(ctx, core.CollectionMemory, ids)
}

// ActiveSessions lists the distinct session ids present in the collection,
// sorted for deterministic sweep order.
func (e *Engine) ActiveSessions(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	cursor := ""
	for {
		batch, next, err := e.store.Scroll(ctx, vectorstore.ScrollQuery{
			Collection: core.CollectionMemory,
			Cursor:     cursor,
			Batch:      scrollBatch,
		})
		if err != nil {
			return nil, fmt.Errorf("memory scroll: %w", err)
		}
		for _, pt := range batch {
			if sid, ok := pt.Payload["session_id"].(string); ok && sid != "" {
				seen[sid] = struct{}{}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sessions := make([]string, 0, len(seen))
	for sid := range seen {
		sessions = append(sessions, sid)
	}
	sort.Strings(sessions)
	return sessions, nil
}
