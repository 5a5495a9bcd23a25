package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"chronofact/internal/core"
	"chronofact/internal/retrieval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// =============================================================================
// STUBS
// =============================================================================

// scriptGenerator answers each generator call from a configurable func,
// recording the order and arguments of every call.
type scriptGenerator struct {
	mu    sync.Mutex
	calls []string

	processQuery func(ctx context.Context, rawQuery string) (core.QueryPlan, error)
	timeline     func(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error)
	misinfo      func(ctx context.Context, text string) (core.MisinfoAnalysis, error)
	followups    func(ctx context.Context, originalQuery, timelineSummary string, prior []string) ([]core.FollowUpQuestion, error)

	gotProcessQuery string
	gotTimelineArg  string
	gotMisinfoText  string
	gotFollowQuery  string
	gotFollowPrior  []string
}

func (s *scriptGenerator) record(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *scriptGenerator) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptGenerator) ProcessQuery(ctx context.Context, rawQuery string) (core.QueryPlan, error) {
	s.record("process_query")
	s.gotProcessQuery = rawQuery
	if s.processQuery != nil {
		return s.processQuery(ctx, rawQuery)
	}
	return core.QueryPlan{RefinedText: rawQuery}, nil
}

func (s *scriptGenerator) GenerateTimeline(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
	s.record("timeline")
	s.gotTimelineArg = query
	if s.timeline != nil {
		return s.timeline(ctx, query, posts, n)
	}
	return core.Timeline{Topic: query}, nil
}

func (s *scriptGenerator) DetectMisinformation(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
	s.record("misinfo")
	s.gotMisinfoText = text
	if s.misinfo != nil {
		return s.misinfo(ctx, text)
	}
	return core.MisinfoAnalysis{RiskLevel: core.RiskLow, Recommendation: "none"}, nil
}

func (s *scriptGenerator) GenerateFollowUpQuestions(ctx context.Context, originalQuery, timelineSummary string, prior []string) ([]core.FollowUpQuestion, error) {
	s.record("followups")
	s.gotFollowQuery = originalQuery
	s.gotFollowPrior = prior
	if s.followups != nil {
		return s.followups(ctx, originalQuery, timelineSummary, prior)
	}
	return []core.FollowUpQuestion{{Question: "what happened next?", Category: core.CategoryDeepDive, Priority: 1}}, nil
}

// scriptSearcher replays canned results per call.
type scriptSearcher struct {
	mu      sync.Mutex
	plans   []core.QueryPlan
	results []*retrieval.Result
	errs    []error
}

func (s *scriptSearcher) Retrieve(ctx context.Context, plan core.QueryPlan) (*retrieval.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.plans)
	s.plans = append(s.plans, plan)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return &retrieval.Result{}, nil
}

func (s *scriptSearcher) seenPlans() []core.QueryPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.QueryPlan(nil), s.plans...)
}

// scriptVision records the Describe call order against the generator.
type scriptVision struct {
	order    *scriptGenerator
	visual   core.VisualContext
	err      error
	gotTopic string
	called   bool
}

func (s *scriptVision) Describe(ctx context.Context, image []byte, topic string) (core.VisualContext, error) {
	s.called = true
	s.gotTopic = topic
	if s.order != nil {
		s.order.record("vision")
	}
	return s.visual, s.err
}

// recordingQueue runs tasks synchronously so the test observes their effects.
type recordingQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *recordingQueue) Enqueue(name string, fn func(ctx context.Context)) {
	q.mu.Lock()
	q.names = append(q.names, name)
	q.mu.Unlock()
	fn(context.Background())
}

func (q *recordingQueue) taskNames() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

// recordingMemory records stores and reinforcements.
type recordingMemory struct {
	mu         sync.Mutex
	stored     []core.Memory
	reinforced int
}

func (m *recordingMemory) Store(ctx context.Context, sessionID, content, memoryType string) (core.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := core.Memory{ID: fmt.Sprintf("m%d", len(m.stored)+1), SessionID: sessionID, Content: content, MemoryType: memoryType}
	m.stored = append(m.stored, mem)
	return mem, nil
}

func (m *recordingMemory) RetrieveAndReinforce(ctx context.Context, sessionID string, queryVector []float32, limit int, minRelevance float64) ([]core.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reinforced++
	return nil, nil
}

type stubTextEngine struct{}

func (stubTextEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (stubTextEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (stubTextEngine) Dimensions() int { return 3 }
func (stubTextEngine) Name() string    { return "stub-text" }

type stubMultimodal struct {
	imageVec []float32
	err      error
}

func (s *stubMultimodal) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return s.imageVec, s.err
}

func (s *stubMultimodal) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	return s.imageVec, s.err
}

func (s *stubMultimodal) Dimensions() int { return len(s.imageVec) }
func (s *stubMultimodal) Name() string    { return "stub-clip" }

// =============================================================================
// FIXTURES
// =============================================================================

func resultOf(posts ...core.Post) *retrieval.Result {
	out := &retrieval.Result{}
	for _, p := range posts {
		out.Candidates = append(out.Candidates, retrieval.Candidate{Post: p})
	}
	return out
}

func floodPosts() []core.Post {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	return []core.Post{
		{ID: "p1", Text: "river breached the levee downtown", Author: "observer1", Timestamp: base, CredibilityScore: 0.9},
		{ID: "p2", Text: "evacuations under way on 5th street", Author: "observer2", Timestamp: base.Add(time.Hour), CredibilityScore: 0.7},
		{ID: "p3", Text: "shelters open at the high school", Author: "cityhall", Timestamp: base.Add(2 * time.Hour), CredibilityScore: 0.8},
	}
}

func floodTimeline() core.Timeline {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	return core.Timeline{
		Topic: "downtown flooding",
		Events: []core.Event{
			{Timestamp: base, Summary: "levee breached downtown", Sources: []string{"p1"}, CredibilityScore: 0.9},
			{Timestamp: base.Add(time.Hour), Summary: "evacuations began", Sources: []string{"p2", "p3"}, CredibilityScore: 0.75},
		},
		Predictions: []string{"water levels likely to peak overnight"},
	}
}

type fixture struct {
	gen    *scriptGenerator
	search *scriptSearcher
	vision *scriptVision
	mem    *recordingMemory
	queue  *recordingQueue
	params Params
}

func (f *fixture) pipeline() *Pipeline {
	deps := Deps{
		Generator: f.gen,
		Retriever: f.search,
		Text:      stubTextEngine{},
		Memory:    f.mem,
		Queue:     f.queue,
	}
	if f.vision != nil {
		deps.Vision = f.vision
		deps.Multimodal = &stubMultimodal{imageVec: []float32{0.5, 0.5}}
	}
	return New(deps, f.params, zap.NewNop())
}

func newFixture() *fixture {
	gen := &scriptGenerator{
		timeline: func(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
			return floodTimeline(), nil
		},
	}
	return &fixture{
		gen:    gen,
		search: &scriptSearcher{results: []*retrieval.Result{resultOf(floodPosts()...)}},
		mem:    &recordingMemory{},
		queue:  &recordingQueue{},
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestRun_AssemblesResponseStats(t *testing.T) {
	f := newFixture()
	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{
		Topic:     "downtown flooding",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(resp.Events); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
	// p1, p2, p3 cited once each across the two events.
	if resp.TotalSources != 3 {
		t.Errorf("total_sources = %d, want 3", resp.TotalSources)
	}
	wantAvg := (0.9 + 0.75) / 2
	if diff := resp.AvgCredibility - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg_credibility = %v, want %v", resp.AvgCredibility, wantAvg)
	}
	if resp.Misinformation == nil {
		t.Error("expected misinformation analysis on the happy path")
	}
	if len(resp.FollowUps) == 0 {
		t.Error("expected follow-up questions on the happy path")
	}
	if resp.Partial {
		t.Error("partial should be false when retrieval was complete")
	}
}

func TestRun_SharedSourcesCountedOnce(t *testing.T) {
	f := newFixture()
	f.gen.timeline = func(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
		tl := floodTimeline()
		// Both events cite p1.
		tl.Events[1].Sources = []string{"p1"}
		return tl, nil
	}
	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.TotalSources != 1 {
		t.Errorf("total_sources = %d, want 1 for a source cited by both events", resp.TotalSources)
	}
}

func TestRun_RejectsEmptyRequest(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "   "})
	if !errors.Is(err, core.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if len(f.gen.callOrder()) != 0 {
		t.Errorf("generator called %v times for an invalid request", f.gen.callOrder())
	}
}

func TestRun_EmptyStoreReturnsEmptyTimeline(t *testing.T) {
	f := newFixture()
	// Both the filtered and the relaxed retrieval come back empty.
	f.search.results = []*retrieval.Result{{}, {}}

	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "quiet topic"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Events == nil || len(resp.Events) != 0 {
		t.Errorf("events = %#v, want empty non-nil slice", resp.Events)
	}
	if resp.FollowUps == nil || len(resp.FollowUps) != 0 {
		t.Errorf("follow_ups = %#v, want empty non-nil slice", resp.FollowUps)
	}
	if resp.Misinformation != nil {
		t.Error("misinformation should be nil when nothing was analyzed")
	}
	if resp.TotalSources != 0 || resp.AvgCredibility != 0 {
		t.Errorf("stats = (%d, %v), want zeros", resp.TotalSources, resp.AvgCredibility)
	}
	for _, call := range f.gen.callOrder() {
		if call == "timeline" {
			t.Error("GenerateTimeline must not run without retrieval context")
		}
	}
}

func TestRun_RetriesWithoutCredibilityFloor(t *testing.T) {
	f := newFixture()
	f.search.results = []*retrieval.Result{{}, resultOf(floodPosts()...)}

	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	plans := f.search.seenPlans()
	if len(plans) != 2 {
		t.Fatalf("retrieve calls = %d, want 2", len(plans))
	}
	if plans[0].MinCredibility != 0.3 {
		t.Errorf("first retrieval floor = %v, want the 0.3 default", plans[0].MinCredibility)
	}
	if plans[1].MinCredibility != 0 {
		t.Errorf("relaxed retrieval floor = %v, want 0", plans[1].MinCredibility)
	}
	if len(resp.Events) == 0 {
		t.Error("expected the relaxed retrieval to feed the timeline")
	}
}

func TestRun_NoRetryWhenFloorAlreadyZero(t *testing.T) {
	f := newFixture()
	zero := 0.0
	f.search.results = []*retrieval.Result{{}}

	if _, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "quiet", MinCredibility: &zero}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(f.search.seenPlans()); got != 1 {
		t.Errorf("retrieve calls = %d, want 1 when the floor is already zero", got)
	}
}

func TestRun_RelaxedRetryFailureKeepsEmptyResult(t *testing.T) {
	f := newFixture()
	f.search.results = []*retrieval.Result{{}, nil}
	f.search.errs = []error{nil, fmt.Errorf("%w: qdrant down", core.ErrRetrievalUnavailable)}

	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "quiet topic"})
	if err != nil {
		t.Fatalf("Run: %v, want the empty-timeline fallback", err)
	}
	if len(resp.Events) != 0 {
		t.Errorf("events = %d, want 0", len(resp.Events))
	}
}

func TestRun_RetrievalFailureIsTyped(t *testing.T) {
	f := newFixture()
	f.search.errs = []error{fmt.Errorf("%w: connect refused", core.ErrRetrievalUnavailable)}

	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"})
	if !errors.Is(err, core.ErrRetrievalUnavailable) {
		t.Fatalf("err = %v, want ErrRetrievalUnavailable", err)
	}
}

func TestRun_TimelineFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.gen.timeline = func(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
		return core.Timeline{}, fmt.Errorf("%w: events after 2 attempts", core.ErrSchemaViolation)
	}
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"})
	if !errors.Is(err, core.ErrSchemaViolation) {
		t.Fatalf("err = %v, want ErrSchemaViolation", err)
	}
}

func TestRun_InterpretationFallsBackToRawQuery(t *testing.T) {
	f := newFixture()
	f.gen.processQuery = func(ctx context.Context, rawQuery string) (core.QueryPlan, error) {
		return core.QueryPlan{}, fmt.Errorf("%w: refined_text missing", core.ErrSchemaViolation)
	}
	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	plans := f.search.seenPlans()
	if len(plans) == 0 {
		t.Fatal("retrieval never ran")
	}
	if plans[0].RefinedText != "downtown flooding" {
		t.Errorf("refined text = %q, want the raw query", plans[0].RefinedText)
	}
	if len(resp.Events) == 0 {
		t.Error("fallback interpretation should still produce a timeline")
	}
}

func TestRun_RequestFieldsShapeThePlan(t *testing.T) {
	f := newFixture()
	minCred := 0.6
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{
		Topic:            "downtown flooding",
		Limit:            25,
		Location:         "Springfield",
		MinCredibility:   &minCred,
		IncludeMediaOnly: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	plan := f.search.seenPlans()[0]
	if plan.Limit != 25 {
		t.Errorf("limit = %d, want 25", plan.Limit)
	}
	if plan.MinCredibility != 0.6 {
		t.Errorf("min credibility = %v, want 0.6", plan.MinCredibility)
	}
	if !plan.MediaOnly {
		t.Error("media-only flag not forwarded")
	}
	if !containsString(plan.Locations, "springfield") {
		t.Errorf("locations = %v, want lowercased request location included", plan.Locations)
	}
}

func TestRun_AuxiliaryFailuresAreNullableFields(t *testing.T) {
	f := newFixture()
	f.gen.misinfo = func(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
		return core.MisinfoAnalysis{}, fmt.Errorf("%w: risk_level invalid after retries", core.ErrSchemaViolation)
	}
	f.gen.followups = func(ctx context.Context, q, s string, prior []string) ([]core.FollowUpQuestion, error) {
		return nil, fmt.Errorf("%w: generator quota", core.ErrRateLimited)
	}
	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"})
	if err != nil {
		t.Fatalf("Run: %v, auxiliary failures must not fail the request", err)
	}
	if resp.Misinformation != nil {
		t.Error("misinformation should be nil after a detection failure")
	}
	if resp.MisinformationError != "schema_violation" {
		t.Errorf("misinformation_error = %q, want %q", resp.MisinformationError, "schema_violation")
	}
	if len(resp.FollowUps) != 0 {
		t.Errorf("follow_ups = %v, want empty", resp.FollowUps)
	}
	if resp.FollowUpsError != "rate_limited" {
		t.Errorf("follow_ups_error = %q, want %q", resp.FollowUpsError, "rate_limited")
	}
	if len(resp.Events) == 0 {
		t.Error("timeline should survive auxiliary failures")
	}
}

func TestRun_AnalysesReceiveRawQueryAndPriorQuestions(t *testing.T) {
	f := newFixture()
	f.gen.processQuery = func(ctx context.Context, rawQuery string) (core.QueryPlan, error) {
		return core.QueryPlan{RefinedText: "flood levee breach springfield"}, nil
	}
	prior := []string{"when did the levee fail?"}
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{
		Topic:             "downtown flooding",
		PreviousQuestions: prior,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Misinformation and follow-ups analyze what the user actually said,
	// not the refined search text.
	if f.gen.gotMisinfoText != "downtown flooding" {
		t.Errorf("misinfo text = %q, want the raw query", f.gen.gotMisinfoText)
	}
	if f.gen.gotFollowQuery != "downtown flooding" {
		t.Errorf("followup query = %q, want the raw query", f.gen.gotFollowQuery)
	}
	if len(f.gen.gotFollowPrior) != 1 || f.gen.gotFollowPrior[0] != prior[0] {
		t.Errorf("prior questions = %v, want %v forwarded", f.gen.gotFollowPrior, prior)
	}
}

func TestRun_VisionRunsBeforeInterpretation(t *testing.T) {
	f := newFixture()
	f.vision = &scriptVision{
		order:  f.gen,
		visual: core.VisualContext{Description: "flooded street with stranded cars"},
	}
	img := base64.StdEncoding.EncodeToString([]byte("fake-image-bytes"))

	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{
		Topic:       "downtown flooding",
		ImageBase64: img,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	order := f.gen.callOrder()
	if len(order) < 2 || order[0] != "vision" || order[1] != "process_query" {
		t.Fatalf("call order = %v, want vision before process_query", order)
	}
	if !strings.Contains(f.gen.gotProcessQuery, "downtown flooding") ||
		!strings.Contains(f.gen.gotProcessQuery, "flooded street with stranded cars") {
		t.Errorf("interpretation input = %q, want topic plus visual description", f.gen.gotProcessQuery)
	}
	if got := f.search.seenPlans()[0].ImageVector; len(got) == 0 {
		t.Error("image vector not forwarded to retrieval")
	}
}

func TestRun_DataURLPrefixAccepted(t *testing.T) {
	f := newFixture()
	f.vision = &scriptVision{visual: core.VisualContext{Description: "a crowd"}}
	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	if _, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "rally", ImageBase64: img}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.vision.called {
		t.Error("vision never saw the data-URL image")
	}
}

func TestRun_InvalidBase64Rejected(t *testing.T) {
	f := newFixture()
	f.vision = &scriptVision{}
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "rally", ImageBase64: "not*base64*at*all"})
	if !errors.Is(err, core.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestRun_OversizedImageRejectedBeforeDecode(t *testing.T) {
	f := newFixture()
	f.vision = &scriptVision{}
	f.params.ImageMaxBytes = 64

	img := base64.StdEncoding.EncodeToString(make([]byte, 256))
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "rally", ImageBase64: img})
	if !errors.Is(err, core.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if f.vision.called {
		t.Error("vision must not see an oversized image")
	}
}

func TestRun_VisionFailureSoftWithTopic(t *testing.T) {
	f := newFixture()
	f.vision = &scriptVision{err: fmt.Errorf("%w: model overloaded", core.ErrEmbeddingUnavailable)}
	img := base64.StdEncoding.EncodeToString([]byte("fake"))

	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding", ImageBase64: img})
	if err != nil {
		t.Fatalf("Run: %v, want the topic-only fallback", err)
	}
	if len(resp.Events) == 0 {
		t.Error("topic-only fallback should still build the timeline")
	}
	if f.gen.gotProcessQuery != "downtown flooding" {
		t.Errorf("interpretation input = %q, want the bare topic", f.gen.gotProcessQuery)
	}
}

func TestRun_VisionFailureHardWithoutTopic(t *testing.T) {
	f := newFixture()
	f.vision = &scriptVision{err: fmt.Errorf("%w: model overloaded", core.ErrEmbeddingUnavailable)}
	img := base64.StdEncoding.EncodeToString([]byte("fake"))

	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{ImageBase64: img})
	if !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable for an image-only request", err)
	}
}

func TestRun_SchedulesMemoryAfterSuccess(t *testing.T) {
	f := newFixture()
	resp, err := f.pipeline().Run(context.Background(), core.TimelineRequest{
		Topic:     "downtown flooding",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	names := f.queue.taskNames()
	if len(names) != 2 || names[0] != "reinforce" || names[1] != "store_interaction" {
		t.Fatalf("queued tasks = %v, want [reinforce store_interaction]", names)
	}
	if f.mem.reinforced != 1 {
		t.Errorf("reinforcements = %d, want 1", f.mem.reinforced)
	}
	if len(f.mem.stored) != 1 {
		t.Fatalf("stored memories = %d, want 1", len(f.mem.stored))
	}
	got := f.mem.stored[0]
	if got.SessionID != "s1" || got.MemoryType != core.MemoryTypeInteraction {
		t.Errorf("interaction memory = %+v, want session s1 interaction", got)
	}
	if !strings.Contains(got.Content, "downtown flooding") || !strings.Contains(got.Content, resp.Events[0].Summary) {
		t.Errorf("interaction content = %q, want query and top event summaries", got.Content)
	}
}

func TestRun_NoMemoryWithoutSession(t *testing.T) {
	f := newFixture()
	if _, err := f.pipeline().Run(context.Background(), core.TimelineRequest{Topic: "downtown flooding"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.queue.taskNames(); len(got) != 0 {
		t.Errorf("queued tasks = %v, want none for an anonymous request", got)
	}
}

func TestRun_DeadlineCutsSynthesisAndSkipsMemory(t *testing.T) {
	f := newFixture()
	f.params.RequestDeadline = 100 * time.Millisecond
	f.gen.timeline = func(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
		select {
		case <-ctx.Done():
			return core.Timeline{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return floodTimeline(), nil
		}
	}
	start := time.Now()
	_, err := f.pipeline().Run(context.Background(), core.TimelineRequest{
		Topic:     "downtown flooding",
		SessionID: "s1",
	})
	elapsed := time.Since(start)

	if !errors.Is(err, core.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want ErrDeadlineExceeded", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("request took %v, the deadline did not cut it short", elapsed)
	}
	if got := f.queue.taskNames(); len(got) != 0 {
		t.Errorf("queued tasks = %v, want none after a deadline failure", got)
	}
	if len(f.mem.stored) != 0 || f.mem.reinforced != 0 {
		t.Error("memory must stay untouched when the request failed")
	}
}

func TestRun_CallerCancellationPropagates(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gen.timeline = func(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
		cancel()
		return core.Timeline{}, ctx.Err()
	}
	_, err := f.pipeline().Run(ctx, core.TimelineRequest{Topic: "downtown flooding", SessionID: "s1"})
	if err == nil {
		t.Fatal("expected an error after caller cancellation")
	}
	if got := f.queue.taskNames(); len(got) != 0 {
		t.Errorf("queued tasks = %v, want none after cancellation", got)
	}
}

func TestAssembleResponse_EmptyTimeline(t *testing.T) {
	resp := assembleResponse(core.Timeline{Topic: "quiet"}, true)
	if resp.Events == nil {
		t.Error("events must be a non-nil slice")
	}
	if resp.AvgCredibility != 0 {
		t.Errorf("avg_credibility = %v, want 0 for no events", resp.AvgCredibility)
	}
	if !resp.Partial {
		t.Error("partial flag dropped")
	}
}

func TestDecodeImage(t *testing.T) {
	payload := []byte("tiny image payload")
	encoded := base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name    string
		input   string
		max     int64
		wantErr error
	}{
		{name: "plain base64", input: encoded, max: 1024},
		{name: "data url", input: "data:image/jpeg;base64," + encoded, max: 1024},
		{name: "oversized", input: encoded, max: 4, wantErr: core.ErrPayloadTooLarge},
		{name: "invalid", input: "%%%%", max: 1024, wantErr: core.ErrInvalidRequest},
		{name: "empty", input: "", max: 1024, wantErr: core.ErrInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeImage(tc.input, tc.max)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeImage: %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("decoded = %q, want %q", got, payload)
			}
		})
	}
}
