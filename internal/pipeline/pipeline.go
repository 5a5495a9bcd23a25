// Package pipeline orchestrates one timeline request end to end: image
// analysis, query interpretation, hybrid retrieval, timeline synthesis, and
// the parallel response analyses, all under a single per-request deadline.
// Stages are strictly sequenced; within a stage, sub-operations run
// concurrently and merge by deterministic rule.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chronofact/internal/core"
	"chronofact/internal/embedding"
	"chronofact/internal/metrics"
	"chronofact/internal/retrieval"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Synthesizer is the slice of the structured generator the pipeline drives.
// Satisfied by *generator.Generator.
type Synthesizer interface {
	ProcessQuery(ctx context.Context, rawQuery string) (core.QueryPlan, error)
	GenerateTimeline(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error)
	DetectMisinformation(ctx context.Context, text string) (core.MisinfoAnalysis, error)
	GenerateFollowUpQuestions(ctx context.Context, originalQuery, timelineSummary string, prior []string) ([]core.FollowUpQuestion, error)
}

// Searcher runs hybrid retrieval. Satisfied by *retrieval.Retriever.
type Searcher interface {
	Retrieve(ctx context.Context, plan core.QueryPlan) (*retrieval.Result, error)
}

// ImageAnalyzer extracts visual context from an image. Satisfied by
// *vision.Analyzer.
type ImageAnalyzer interface {
	Describe(ctx context.Context, image []byte, topic string) (core.VisualContext, error)
}

// MemoryKeeper is the slice of the memory engine the pipeline touches.
// Satisfied by *memory.Engine.
type MemoryKeeper interface {
	Store(ctx context.Context, sessionID, content, memoryType string) (core.Memory, error)
	RetrieveAndReinforce(ctx context.Context, sessionID string, queryVector []float32, limit int, minRelevance float64) ([]core.Memory, error)
}

// TaskQueue runs memory bookkeeping off the request path. Satisfied by
// *memory.ReinforceQueue.
type TaskQueue interface {
	Enqueue(name string, fn func(ctx context.Context))
}

// =============================================================================
// PIPELINE
// =============================================================================

// Deps are the pipeline's collaborators. Vision, Multimodal, Memory, and
// Queue may be nil; the corresponding behavior is skipped.
type Deps struct {
	Generator  Synthesizer
	Retriever  Searcher
	Vision     ImageAnalyzer
	Multimodal embedding.MultimodalEngine
	Text       embedding.TextEngine
	Memory     MemoryKeeper
	Queue      TaskQueue
}

// Params bound one request.
type Params struct {
	// RequestDeadline caps the whole request. Zero selects 30s.
	RequestDeadline time.Duration

	// DefaultMinCredibility applies when the request does not set one.
	DefaultMinCredibility float64

	// DefaultLimit applies when the request does not set one.
	DefaultLimit int

	// ImageMaxBytes rejects oversized uploads before decoding. Zero
	// selects 8 MiB.
	ImageMaxBytes int64

	// MemoryReinforceLimit caps how many session memories one request
	// reinforces. Zero selects 5.
	MemoryReinforceLimit int
}

// DefaultParams returns the production request bounds.
func DefaultParams() Params {
	return Params{
		RequestDeadline:       30 * time.Second,
		DefaultMinCredibility: 0.3,
		DefaultLimit:          10,
		ImageMaxBytes:         8 << 20,
		MemoryReinforceLimit:  5,
	}
}

// Pipeline turns TimelineRequests into TimelineResponses.
type Pipeline struct {
	deps   Deps
	params Params
	logger *zap.Logger
}

// New creates a Pipeline. Zero-valued params fall back to defaults.
func New(deps Deps, params Params, logger *zap.Logger) *Pipeline {
	def := DefaultParams()
	if params.RequestDeadline <= 0 {
		params.RequestDeadline = def.RequestDeadline
	}
	if params.DefaultMinCredibility <= 0 || params.DefaultMinCredibility > 1 {
		params.DefaultMinCredibility = def.DefaultMinCredibility
	}
	if params.DefaultLimit <= 0 {
		params.DefaultLimit = def.DefaultLimit
	}
	if params.ImageMaxBytes <= 0 {
		params.ImageMaxBytes = def.ImageMaxBytes
	}
	if params.MemoryReinforceLimit <= 0 {
		params.MemoryReinforceLimit = def.MemoryReinforceLimit
	}
	return &Pipeline{deps: deps, params: params, logger: logger.Named("pipeline")}
}

// Run executes the request state machine. Auxiliary failures (image
// analysis with a usable topic, query interpretation, misinformation
// detection, follow-ups, memory writes) degrade in-band; essential failures
// return a typed error. Memory tasks are scheduled only after the response
// is assembled, so a cancelled request writes nothing.
func (p *Pipeline) Run(ctx context.Context, req core.TimelineRequest) (*core.TimelineResponse, error) {
	if strings.TrimSpace(req.Topic) == "" && req.ImageBase64 == "" {
		return nil, fmt.Errorf("%w: topic or image_base64 is required", core.ErrInvalidRequest)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = p.params.DefaultLimit
	}
	minCredibility := p.params.DefaultMinCredibility
	if req.MinCredibility != nil {
		minCredibility = clamp01(*req.MinCredibility)
	}

	ctx, cancel := context.WithTimeout(ctx, p.params.RequestDeadline)
	defer cancel()

	// IMAGE_ANALYZED
	searchText := strings.TrimSpace(req.Topic)
	var imageVector []float32
	if req.ImageBase64 != "" {
		visual, vec, err := p.analyzeImage(ctx, req)
		if err != nil {
			return nil, p.failed(ctx, "image_analysis", err)
		}
		imageVector = vec
		if visual.Description != "" {
			searchText = joinNonEmpty(searchText, visual.Description)
		}
	}

	// QUERY_INTERPRETED
	plan := p.interpretQuery(ctx, searchText)
	plan.MinCredibility = minCredibility
	plan.Limit = limit
	plan.ImageVector = imageVector
	plan.MediaOnly = req.IncludeMediaOnly
	if loc := strings.ToLower(strings.TrimSpace(req.Location)); loc != "" && !containsString(plan.Locations, loc) {
		plan.Locations = append(plan.Locations, loc)
	}

	// RETRIEVED
	result, err := p.retrieve(ctx, plan)
	if err != nil {
		return nil, p.failed(ctx, "retrieval", err)
	}
	if len(result.Candidates) == 0 {
		p.logger.Info("no posts matched, returning empty timeline",
			zap.String("topic", req.Topic))
		return emptyResponse(req.Topic), nil
	}
	posts := make([]core.Post, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		posts = append(posts, c.Post)
	}

	// TIMELINE_SYNTHESIZED
	stop := stageTimer("timeline_synthesis")
	tl, err := p.deps.Generator.GenerateTimeline(ctx, searchText, posts, limit)
	stop()
	if err != nil {
		return nil, p.failed(ctx, "timeline_synthesis", err)
	}

	// ANALYZED
	resp := assembleResponse(tl, result.Partial)
	p.analyze(ctx, req, tl, resp)
	if err := ctx.Err(); err != nil {
		return nil, p.failed(ctx, "analysis", err)
	}

	// RESPONDED
	p.scheduleMemory(ctx, req, plan.RefinedText, tl)
	p.logger.Info("timeline built",
		zap.String("topic", tl.Topic),
		zap.Int("events", len(resp.Events)),
		zap.Int("total_sources", resp.TotalSources),
		zap.Bool("partial", resp.Partial))
	return resp, nil
}

// analyzeImage runs the vision stage. Size and format violations are hard
// errors; an unavailable image model is soft when the request also carries
// a usable topic, hard when the image is all there is.
func (p *Pipeline) analyzeImage(ctx context.Context, req core.TimelineRequest) (core.VisualContext, []float32, error) {
	defer stageTimer("image_analysis")()

	image, err := decodeImage(req.ImageBase64, p.params.ImageMaxBytes)
	if err != nil {
		return core.VisualContext{}, nil, err
	}

	var visual core.VisualContext
	if p.deps.Vision != nil {
		visual, err = p.deps.Vision.Describe(ctx, image, req.Topic)
	} else {
		err = fmt.Errorf("%w: no image analyzer configured", core.ErrEmbeddingUnavailable)
	}
	if err != nil {
		hard := errors.Is(err, core.ErrPayloadTooLarge) ||
			errors.Is(err, core.ErrInvalidRequest) ||
			errors.Is(err, core.ErrDeadlineExceeded) ||
			ctx.Err() != nil ||
			strings.TrimSpace(req.Topic) == ""
		if hard {
			return core.VisualContext{}, nil, err
		}
		p.logger.Warn("image analysis failed, continuing on topic alone", zap.Error(err))
		visual = core.VisualContext{}
	}

	var imageVector []float32
	if p.deps.Multimodal != nil {
		vec, embErr := p.deps.Multimodal.EmbedImage(ctx, image)
		if embErr != nil {
			if ctx.Err() != nil {
				return core.VisualContext{}, nil, embErr
			}
			p.logger.Warn("image embedding failed, multimodal channel disabled", zap.Error(embErr))
		} else {
			imageVector = vec
		}
	}
	return visual, imageVector, nil
}

// interpretQuery asks the generator for a query plan, falling back to the
// raw text when interpretation fails. The fallback is logged, not fatal:
// retrieval over the unrefined query is still useful.
func (p *Pipeline) interpretQuery(ctx context.Context, searchText string) core.QueryPlan {
	defer stageTimer("query_interpretation")()

	plan, err := p.deps.Generator.ProcessQuery(ctx, searchText)
	if err != nil {
		p.logger.Warn("query interpretation failed, using raw query", zap.Error(err))
		return core.QueryPlan{RefinedText: searchText}
	}
	if strings.TrimSpace(plan.RefinedText) == "" {
		plan.RefinedText = searchText
	}
	return plan
}

// retrieve invokes the retriever, relaxing the credibility floor once when
// the filtered search comes back empty. A failed relaxed retry degrades to
// the empty result instead of failing a request the first attempt already
// answered.
func (p *Pipeline) retrieve(ctx context.Context, plan core.QueryPlan) (*retrieval.Result, error) {
	defer stageTimer("retrieval")()

	result, err := p.deps.Retriever.Retrieve(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(result.Candidates) > 0 || plan.MinCredibility <= 0 {
		return result, nil
	}

	p.logger.Info("retrieval empty, retrying without credibility floor",
		zap.Float64("min_credibility", plan.MinCredibility))
	relaxed := plan
	relaxed.MinCredibility = 0
	retried, err := p.deps.Retriever.Retrieve(ctx, relaxed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		p.logger.Warn("relaxed retrieval failed, keeping empty result", zap.Error(err))
		return result, nil
	}
	return retried, nil
}

// analyze runs misinformation detection and follow-up generation in
// parallel. Either may fail on its own; failures become reason strings on
// the response, never request errors.
func (p *Pipeline) analyze(ctx context.Context, req core.TimelineRequest, tl core.Timeline, resp *core.TimelineResponse) {
	defer stageTimer("analysis")()

	summary := timelineSummary(tl)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		analysis, err := p.deps.Generator.DetectMisinformation(gctx, req.Topic)
		if err != nil {
			p.logger.Warn("misinformation detection failed", zap.Error(err))
			resp.MisinformationError = core.KindOf(err)
			return nil
		}
		resp.Misinformation = &analysis
		return nil
	})
	g.Go(func() error {
		questions, err := p.deps.Generator.GenerateFollowUpQuestions(gctx, req.Topic, summary, req.PreviousQuestions)
		if err != nil {
			p.logger.Warn("follow-up generation failed", zap.Error(err))
			resp.FollowUpsError = core.KindOf(err)
			return nil
		}
		if questions != nil {
			resp.FollowUps = questions
		}
		return nil
	})
	_ = g.Wait()
}

// scheduleMemory hands the session bookkeeping to the queue: reinforce the
// memories this query recalls, then record the interaction itself. Nothing
// is scheduled for an anonymous request or once the deadline has expired.
func (p *Pipeline) scheduleMemory(ctx context.Context, req core.TimelineRequest, refinedText string, tl core.Timeline) {
	if p.deps.Memory == nil || p.deps.Queue == nil || req.SessionID == "" || ctx.Err() != nil {
		return
	}
	sessionID := req.SessionID
	reinforceLimit := p.params.MemoryReinforceLimit
	logger := p.logger

	if p.deps.Text != nil {
		p.deps.Queue.Enqueue("reinforce", func(taskCtx context.Context) {
			vec, err := p.deps.Text.Embed(taskCtx, refinedText)
			if err != nil {
				logger.Warn("memory reinforcement embed failed", zap.Error(err))
				return
			}
			if _, err := p.deps.Memory.RetrieveAndReinforce(taskCtx, sessionID, vec, reinforceLimit, 0); err != nil {
				logger.Warn("memory reinforcement failed", zap.Error(err))
			}
		})
	}

	content := interactionContent(req.Topic, tl)
	p.deps.Queue.Enqueue("store_interaction", func(taskCtx context.Context) {
		if _, err := p.deps.Memory.Store(taskCtx, sessionID, content, core.MemoryTypeInteraction); err != nil {
			logger.Warn("interaction memory write failed", zap.Error(err))
		}
	})
}

// failed normalizes a stage error: anything that died after the deadline
// expired reports as the deadline, not as whatever failure the starvation
// provoked downstream.
func (p *Pipeline) failed(ctx context.Context, stage string, err error) error {
	if !errors.Is(err, core.ErrDeadlineExceeded) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		err = fmt.Errorf("%w: %s: %v", core.ErrDeadlineExceeded, stage, err)
	} else {
		err = fmt.Errorf("%s: %w", stage, err)
	}
	p.logger.Warn("timeline request failed", zap.String("stage", stage), zap.Error(err))
	return err
}

// =============================================================================
// RESPONSE ASSEMBLY
// =============================================================================

// assembleResponse derives the response stats from the validated timeline:
// total distinct cited sources and the mean event credibility.
func assembleResponse(tl core.Timeline, partial bool) *core.TimelineResponse {
	distinct := make(map[string]struct{})
	var credibilitySum float64
	for _, ev := range tl.Events {
		credibilitySum += ev.CredibilityScore
		for _, src := range ev.Sources {
			distinct[src] = struct{}{}
		}
	}
	avg := 0.0
	if len(tl.Events) > 0 {
		avg = credibilitySum / float64(len(tl.Events))
	}
	events := tl.Events
	if events == nil {
		events = []core.Event{}
	}
	return &core.TimelineResponse{
		Topic:          tl.Topic,
		Events:         events,
		Predictions:    tl.Predictions,
		TotalSources:   len(distinct),
		AvgCredibility: avg,
		FollowUps:      []core.FollowUpQuestion{},
		Partial:        partial,
	}
}

// emptyResponse is the S-shaped answer for a topic no post matches: a 200
// with zero events, not an error.
func emptyResponse(topic string) *core.TimelineResponse {
	return &core.TimelineResponse{
		Topic:     topic,
		Events:    []core.Event{},
		FollowUps: []core.FollowUpQuestion{},
	}
}

// timelineSummary renders the timeline for the follow-up prompt: the topic
// plus one line per event.
func timelineSummary(tl core.Timeline) string {
	var b strings.Builder
	b.WriteString(tl.Topic)
	for _, ev := range tl.Events {
		fmt.Fprintf(&b, "\n- %s: %s", ev.Timestamp.UTC().Format("2006-01-02"), ev.Summary)
	}
	return b.String()
}

// interactionContent is what the session remembers about this request: the
// query and the top three event summaries.
func interactionContent(topic string, tl core.Timeline) string {
	summaries := make([]string, 0, 3)
	for _, ev := range tl.Events {
		summaries = append(summaries, ev.Summary)
		if len(summaries) == 3 {
			break
		}
	}
	return fmt.Sprintf("query: %s | events: %s", topic, strings.Join(summaries, "; "))
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeImage decodes the request's base64 image, tolerating a data-URL
// prefix. The encoded length is checked before decoding so an oversized
// upload is rejected without allocating for it.
func decodeImage(encoded string, maxBytes int64) ([]byte, error) {
	if idx := strings.IndexByte(encoded, ','); idx >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}
	// Base64 inflates by 4/3, so the decoded size is bounded by 3/4 of
	// the encoded length.
	if int64(len(encoded))/4*3 > maxBytes {
		return nil, fmt.Errorf("%w: encoded image exceeds %d bytes", core.ErrPayloadTooLarge, maxBytes)
	}
	image, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: image_base64 is not valid base64: %v", core.ErrInvalidRequest, err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image_base64 decodes to nothing", core.ErrInvalidRequest)
	}
	return image, nil
}

func stageTimer(stage string) func() {
	start := time.Now()
	return func() {
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
