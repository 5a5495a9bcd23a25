package generator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chronofact/internal/core"
)

// scriptClient replays canned replies and records every prompt it saw, so
// tests can assert on the retry feedback the generator builds.
type scriptClient struct {
	mu      sync.Mutex
	replies []scriptReply
	prompts []string
}

type scriptReply struct {
	raw json.RawMessage
	err error
}

var _ Client = (*scriptClient)(nil)

func (s *scriptClient) CompleteStructured(ctx context.Context, systemPrompt, userPrompt string, schema *Schema) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, userPrompt)
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.raw, r.err
}

func (s *scriptClient) Name() string { return "script" }

func (s *scriptClient) seenPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func newTestGenerator(c Client) *Generator {
	return New(c, 6000, 100, zap.NewNop())
}

func TestGenerator_ProcessQuery(t *testing.T) {
	mock := NewMockClient()
	mock.Push(json.RawMessage(`{
		"refined_text": "valencia flood rescue operations",
		"entities": ["UME", "Generalitat"],
		"locations": ["Valencia", "paiporta"],
		"time_range": {"from": "2024-10-29T00:00:00Z", "to": "2024-11-05T00:00:00Z"}
	}`))
	g := newTestGenerator(mock)

	plan, err := g.ProcessQuery(context.Background(), "what happened in the valencia floods?")
	if err != nil {
		t.Fatalf("ProcessQuery returned %v", err)
	}
	if plan.RefinedText != "valencia flood rescue operations" {
		t.Errorf("RefinedText = %q", plan.RefinedText)
	}
	if len(plan.Locations) != 2 || plan.Locations[0] != "valencia" {
		t.Errorf("Locations = %v, want lowercased", plan.Locations)
	}
	if plan.TimeRange == nil || !plan.TimeRange.From.Equal(time.Date(2024, 10, 29, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("TimeRange = %+v", plan.TimeRange)
	}
}

func TestGenerator_RetryCarriesValidatorFeedback(t *testing.T) {
	script := &scriptClient{replies: []scriptReply{
		{raw: json.RawMessage(`{"entities": []}`)},
		{raw: json.RawMessage(`{"refined_text": "valencia flood"}`)},
	}}
	g := newTestGenerator(script)

	plan, err := g.ProcessQuery(context.Background(), "valencia?")
	if err != nil {
		t.Fatalf("ProcessQuery returned %v", err)
	}
	if plan.RefinedText != "valencia flood" {
		t.Errorf("RefinedText = %q", plan.RefinedText)
	}
	prompts := script.seenPrompts()
	if len(prompts) != 2 {
		t.Fatalf("provider called %d times, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "previous answer was rejected") {
		t.Errorf("retry prompt lacks the rejection preamble: %q", prompts[1])
	}
	if !strings.Contains(prompts[1], `missing required field "refined_text"`) {
		t.Errorf("retry prompt lacks the validator message: %q", prompts[1])
	}
}

func TestGenerator_SchemaViolationAfterRetries(t *testing.T) {
	bad := scriptReply{raw: json.RawMessage(`{"entities": []}`)}
	script := &scriptClient{replies: []scriptReply{bad, bad, bad}}
	g := newTestGenerator(script)

	_, err := g.ProcessQuery(context.Background(), "valencia?")
	if !errors.Is(err, core.ErrSchemaViolation) {
		t.Fatalf("err = %v, want ErrSchemaViolation", err)
	}
	if got := len(script.seenPrompts()); got != maxValidationRetries+1 {
		t.Errorf("provider called %d times, want %d", got, maxValidationRetries+1)
	}
}

func TestGenerator_TimelineCredibilityRecomputed(t *testing.T) {
	posts := []core.Post{ctxPost("p1", 0.5), ctxPost("p2", 0.75)}
	mock := NewMockClient()
	mock.Push(json.RawMessage(`{
		"topic": "valencia flood",
		"events": [
			{"timestamp": "2024-10-29T18:00:00Z", "summary": "river overflows", "sources": ["p1", "p2"], "credibility_score": 0.05}
		]
	}`))
	g := newTestGenerator(mock)

	tl, err := g.GenerateTimeline(context.Background(), "valencia flood", posts, 5)
	if err != nil {
		t.Fatalf("GenerateTimeline returned %v", err)
	}
	if got := tl.Events[0].CredibilityScore; got != 0.625 {
		t.Errorf("credibility = %v, want 0.625 (recomputed from sources)", got)
	}
}

func TestGenerator_TimelineRetriesOnFabricatedSource(t *testing.T) {
	posts := []core.Post{ctxPost("p1", 0.8)}
	script := &scriptClient{replies: []scriptReply{
		{raw: json.RawMessage(`{"topic": "t", "events": [{"timestamp": "2024-10-29T18:00:00Z", "summary": "s", "sources": ["ghost-42"], "credibility_score": 0.5}]}`)},
		{raw: json.RawMessage(`{"topic": "t", "events": [{"timestamp": "2024-10-29T18:00:00Z", "summary": "s", "sources": ["p1"], "credibility_score": 0.5}]}`)},
	}}
	g := newTestGenerator(script)

	tl, err := g.GenerateTimeline(context.Background(), "t", posts, 3)
	if err != nil {
		t.Fatalf("GenerateTimeline returned %v", err)
	}
	if tl.Events[0].Sources[0] != "p1" {
		t.Errorf("sources = %v", tl.Events[0].Sources)
	}
	prompts := script.seenPrompts()
	if len(prompts) != 2 || !strings.Contains(prompts[1], "ghost-42") {
		t.Errorf("retry prompt does not name the fabricated source: %v", prompts)
	}
}

func TestGenerator_FollowUpsDropRepeats(t *testing.T) {
	mock := NewMockClient()
	mock.Push(json.RawMessage(`{"questions": [
		{"question": "What caused the dam failure?", "category": "deep_dive", "priority": 5},
		{"question": "what caused the dam failure?", "category": "deep_dive", "priority": 1},
		{"question": "Were warnings issued in time?", "category": "verification", "priority": 4}
	]}`))
	g := newTestGenerator(mock)

	got, err := g.GenerateFollowUpQuestions(context.Background(), "dam failure", "two events", nil)
	if err != nil {
		t.Fatalf("GenerateFollowUpQuestions returned %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("kept %d questions, want 2", len(got))
	}
}

func TestGenerator_RecommendationsTruncatedToLimit(t *testing.T) {
	mock := NewMockClient()
	mock.Push(json.RawMessage(`{"recommendations": [
		{"action": "a", "reason": "r"},
		{"action": "b", "reason": "r"},
		{"action": "c", "reason": "r"},
		{"action": "d", "reason": "r"}
	]}`))
	g := newTestGenerator(mock)

	recs, err := g.GenerateRecommendations(context.Background(), "valencia flood", 2)
	if err != nil {
		t.Fatalf("GenerateRecommendations returned %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len = %d, want 2", len(recs))
	}
}

func TestGenerator_RateLimitedWhenBudgetExhausted(t *testing.T) {
	mock := NewMockClient()
	g := New(mock, 1, 1, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := g.DetectMisinformation(ctx, "text"); err != nil {
		t.Fatalf("first call returned %v", err)
	}
	// The burst token is spent and the next one is a minute away, far past
	// the deadline, so the limiter must refuse immediately.
	_, err := g.DetectMisinformation(ctx, "text")
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestGenerator_DeadlineExceeded(t *testing.T) {
	mock := NewMockClient()
	g := newTestGenerator(mock)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := g.DetectMisinformation(ctx, "text")
	if !errors.Is(err, core.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want ErrDeadlineExceeded", err)
	}
}

func TestGenerator_TransportErrorNotRetried(t *testing.T) {
	script := &scriptClient{replies: []scriptReply{
		{err: errors.New("connection refused")},
	}}
	g := newTestGenerator(script)

	_, err := g.DetectMisinformation(context.Background(), "text")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v, want the transport error", err)
	}
	if errors.Is(err, core.ErrSchemaViolation) || errors.Is(err, core.ErrRateLimited) || errors.Is(err, core.ErrDeadlineExceeded) {
		t.Errorf("transport error was misclassified: %v", err)
	}
	if got := len(script.seenPrompts()); got != 1 {
		t.Errorf("provider called %d times, want 1 (no transport retries here)", got)
	}
}

func TestGenerator_RateLimitSentinelPassesThrough(t *testing.T) {
	script := &scriptClient{replies: []scriptReply{
		{err: core.ErrRateLimited},
	}}
	g := newTestGenerator(script)

	_, err := g.DetectMisinformation(context.Background(), "text")
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestGenerator_AnalyzeImageTextOnlyProvider(t *testing.T) {
	g := newTestGenerator(NewMockClient())

	_, err := g.AnalyzeImage(context.Background(), []byte{0xFF, 0xD8}, "image/jpeg", "flood")
	if !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestMockClient_QueueThenSynthesis(t *testing.T) {
	mock := NewMockClient()
	mock.Push(json.RawMessage(`{"refined_text": "queued"}`))

	raw, err := mock.CompleteStructured(context.Background(), "s", "u", queryPlanSchema)
	if err != nil {
		t.Fatalf("CompleteStructured returned %v", err)
	}
	if string(raw) != `{"refined_text": "queued"}` {
		t.Errorf("raw = %s, want the queued reply", raw)
	}

	raw, err = mock.CompleteStructured(context.Background(), "s", "u", queryPlanSchema)
	if err != nil {
		t.Fatalf("CompleteStructured returned %v", err)
	}
	if err := ValidateSchema(queryPlanSchema, raw); err != nil {
		t.Errorf("synthesized reply fails the schema: %v", err)
	}
	if mock.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", mock.Calls())
	}
}
