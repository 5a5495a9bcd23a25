package retrieval

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chronofact/internal/core"
	"chronofact/internal/embedding"
	"chronofact/internal/metrics"
	"chronofact/internal/vectorstore"
)

// =============================================================================
// HYBRID RETRIEVER
// =============================================================================

// Params tune fusion and diversity. They are hot-reloadable through
// SetParams, so weights can be adjusted without a restart.
type Params struct {
	Weights         Weights
	RRFK            int
	FetchMultiplier int
	Diversity       DiversityParams
}

// DefaultParams returns the production fusion weights.
func DefaultParams() Params {
	return Params{
		Weights: Weights{
			Dense:       0.55,
			Sparse:      0.25,
			Multimodal:  0.15,
			Credibility: 0.05,
		},
		RRFK:            60,
		FetchMultiplier: 3,
		Diversity:       DefaultDiversityParams(),
	}
}

// Result is the retriever output: the fused ranking plus a flag marking
// that some sub-query failed and the list was built from the survivors.
type Result struct {
	Candidates []Candidate
	Partial    bool
}

// Retriever runs hybrid retrieval against the posts collection.
type Retriever struct {
	store  vectorstore.Store
	text   embedding.TextEngine
	logger *zap.Logger

	mu     sync.RWMutex
	params Params
}

// New creates a retriever.
func New(store vectorstore.Store, text embedding.TextEngine, params Params, logger *zap.Logger) *Retriever {
	if params.FetchMultiplier <= 0 {
		params.FetchMultiplier = 3
	}
	if params.RRFK <= 0 {
		params.RRFK = 60
	}
	return &Retriever{
		store:  store,
		text:   text,
		logger: logger.Named("retrieval"),
		params: params,
	}
}

// SetParams swaps the fusion parameters. Safe under concurrent Retrieve.
func (r *Retriever) SetParams(p Params) {
	if p.FetchMultiplier <= 0 {
		p.FetchMultiplier = 3
	}
	if p.RRFK <= 0 {
		p.RRFK = 60
	}
	r.mu.Lock()
	r.params = p
	r.mu.Unlock()
}

func (r *Retriever) currentParams() Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params
}

// Retrieve runs the dense, sparse, and (when an image vector is present)
// multimodal sub-queries in parallel, fuses the rankings, and applies the
// diversity pass. One failed sub-query degrades the result to partial;
// all failing is ErrRetrievalUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, plan core.QueryPlan) (*Result, error) {
	params := r.currentParams()

	limit := plan.Limit
	if limit <= 0 {
		limit = 10
	}
	fetch := limit * params.FetchMultiplier
	filter := buildFilter(plan)

	queryVec, embedErr := r.embedQuery(ctx, plan.RefinedText)
	if embedErr != nil {
		r.logger.Warn("query embedding failed, dense channel disabled", zap.Error(embedErr))
	}

	var (
		dense, sparse, multimodal []vectorstore.ScoredPoint
		denseErr, sparseErr, mmErr error
	)

	g, gctx := errgroup.WithContext(ctx)

	issued := 0
	if embedErr == nil {
		issued++
		g.Go(func() error {
			dense, denseErr = r.store.Query(gctx, vectorstore.DenseQuery{
				Collection: core.CollectionPosts,
				Using:      core.VectorText,
				Vector:     queryVec,
				Filter:     filter,
				Limit:      fetch,
			})
			return nil
		})
	} else {
		denseErr = embedErr
		issued++
	}

	issued++
	g.Go(func() error {
		terms := QueryTerms(plan.RefinedText)
		if len(terms) == 0 {
			sparse = nil
			return nil
		}
		sparse, sparseErr = r.store.SparseQuery(gctx, vectorstore.SparseQuery{
			Collection: core.CollectionPosts,
			Using:      core.VectorSparse,
			Terms:      terms,
			Filter:     filter,
			Limit:      fetch,
		})
		return nil
	})

	if len(plan.ImageVector) > 0 {
		issued++
		g.Go(func() error {
			multimodal, mmErr = r.store.Query(gctx, vectorstore.DenseQuery{
				Collection: core.CollectionPosts,
				Using:      core.VectorMultimodal,
				Vector:     plan.ImageVector,
				Filter:     filter,
				Limit:      fetch,
			})
			return nil
		})
	}

	// Sub-query errors are collected, not returned, so one failure cannot
	// cancel the siblings.
	_ = g.Wait()

	failures := 0
	for _, err := range []error{denseErr, sparseErr, mmErr} {
		if err != nil {
			failures++
			r.logger.Warn("retrieval sub-query failed", zap.Error(err))
		}
	}
	if failures >= issued {
		return nil, fmt.Errorf("%w: all %d sub-queries failed, last: %v",
			core.ErrRetrievalUnavailable, issued, firstErr(denseErr, sparseErr, mmErr))
	}

	fused := fuse(dense, sparse, multimodal, params.Weights, params.RRFK)
	selected := selectDiverse(fused, limit, params.Diversity)

	partial := failures > 0
	if partial {
		metrics.RetrievalPartial.Inc()
	}

	r.logger.Debug("retrieval complete",
		zap.Int("dense", len(dense)),
		zap.Int("sparse", len(sparse)),
		zap.Int("multimodal", len(multimodal)),
		zap.Int("selected", len(selected)),
		zap.Bool("partial", partial))

	return &Result{Candidates: selected, Partial: partial}, nil
}

// embedQuery embeds the refined text, retrying once. Embedding hiccups are
// common enough on cold provider starts that a single retry pays for
// itself before the channel is declared dead.
func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.text.Embed(ctx, text)
	if err == nil {
		return vec, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return r.text.Embed(ctx, text)
}

// buildFilter translates the plan into payload conditions.
func buildFilter(plan core.QueryPlan) *vectorstore.Filter {
	f := &vectorstore.Filter{}

	if plan.MinCredibility > 0 {
		minCred := plan.MinCredibility
		f.Must = append(f.Must, vectorstore.Condition{
			Key: "credibility_score",
			GTE: &minCred,
		})
	}
	if len(plan.Locations) > 0 {
		in := make([]any, 0, len(plan.Locations))
		for _, loc := range plan.Locations {
			in = append(in, loc)
		}
		f.Must = append(f.Must, vectorstore.Condition{Key: "location", In: in})
	}
	if plan.TimeRange != nil {
		cond := vectorstore.Condition{Key: "timestamp"}
		if !plan.TimeRange.From.IsZero() {
			from := plan.TimeRange.From
			cond.GTETime = &from
		}
		if !plan.TimeRange.To.IsZero() {
			to := plan.TimeRange.To
			cond.LTETime = &to
		}
		if cond.GTETime != nil || cond.LTETime != nil {
			f.Must = append(f.Must, cond)
		}
	}
	if plan.MediaOnly {
		f.Must = append(f.Must, vectorstore.Condition{Key: "has_images", Match: true})
	}

	if f.Empty() {
		return nil
	}
	return f
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
