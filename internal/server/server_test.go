package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"chronofact/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// =============================================================================
// STUBS
// =============================================================================

type stubRunner struct {
	resp *core.TimelineResponse
	err  error
	got  *core.TimelineRequest
}

func (s *stubRunner) Run(ctx context.Context, req core.TimelineRequest) (*core.TimelineResponse, error) {
	s.got = &req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubGenerator struct {
	verify    func(ctx context.Context, text, author, engagement string) (core.CredibilityAssessment, error)
	detect    func(ctx context.Context, text string) (core.MisinfoAnalysis, error)
	followups func(ctx context.Context, originalQuery, summary string, prior []string) ([]core.FollowUpQuestion, error)
	recommend func(ctx context.Context, query string, limit int) ([]core.Recommendation, error)
}

func (s *stubGenerator) AssessCredibility(ctx context.Context, text, author, engagement string) (core.CredibilityAssessment, error) {
	if s.verify != nil {
		return s.verify(ctx, text, author, engagement)
	}
	return core.CredibilityAssessment{CredibilityScore: 0.8}, nil
}

func (s *stubGenerator) DetectMisinformation(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
	if s.detect != nil {
		return s.detect(ctx, text)
	}
	return core.MisinfoAnalysis{RiskLevel: core.RiskLow}, nil
}

func (s *stubGenerator) GenerateFollowUpQuestions(ctx context.Context, originalQuery, summary string, prior []string) ([]core.FollowUpQuestion, error) {
	if s.followups != nil {
		return s.followups(ctx, originalQuery, summary, prior)
	}
	return []core.FollowUpQuestion{{Question: "and then?", Category: core.CategoryDeepDive, Priority: 2}}, nil
}

func (s *stubGenerator) GenerateRecommendations(ctx context.Context, query string, limit int) ([]core.Recommendation, error) {
	if s.recommend != nil {
		return s.recommend(ctx, query, limit)
	}
	return []core.Recommendation{{Action: "verify with local news", Reason: "single-source claim"}}, nil
}

type stubHealth struct {
	err error
}

func (s *stubHealth) HealthCheck(ctx context.Context) error { return s.err }

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (stubEmbedder) Dimensions() int { return 3 }
func (stubEmbedder) Name() string    { return "stub" }

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	server *Server
	runner *stubRunner
	gen    *stubGenerator
	health *stubHealth
}

func newHarness(opts Options) *harness {
	h := &harness{
		runner: &stubRunner{resp: &core.TimelineResponse{
			Topic:     "downtown flooding",
			Events:    []core.Event{{Summary: "levee breached", Sources: []string{"p1"}, CredibilityScore: 0.9}},
			FollowUps: []core.FollowUpQuestion{},
		}},
		gen:    &stubGenerator{},
		health: &stubHealth{},
	}
	if opts.Version == "" {
		opts.Version = "test"
	}
	h.server = New(opts, Deps{
		Pipeline:  h.runner,
		Generator: h.gen,
		Store:     h.health,
		Embedder:  stubEmbedder{},
	}, zap.NewNop())
	return h
}

func (h *harness) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrInvalidRequest, http.StatusBadRequest},
		{core.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{core.ErrRateLimited, http.StatusTooManyRequests},
		{core.ErrEmbeddingUnavailable, http.StatusBadGateway},
		{core.ErrRetrievalUnavailable, http.StatusBadGateway},
		{core.ErrSchemaViolation, http.StatusBadGateway},
		{core.ErrStoreUnavailable, http.StatusBadGateway},
		{core.ErrBackendBusy, http.StatusServiceUnavailable},
		{core.ErrDeadlineExceeded, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrInternal, http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(fmt.Errorf("wrapped: %w", tc.err)); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestTimeline_PipelineErrorsMapToStatuses(t *testing.T) {
	tests := []struct {
		err      error
		want     int
		wantKind string
	}{
		{fmt.Errorf("retrieval: %w", core.ErrRetrievalUnavailable), http.StatusBadGateway, "retrieval_unavailable"},
		{fmt.Errorf("%w: synthesis starved", core.ErrDeadlineExceeded), http.StatusGatewayTimeout, "deadline_exceeded"},
		{fmt.Errorf("generate: %w", core.ErrRateLimited), http.StatusTooManyRequests, "rate_limited"},
		{fmt.Errorf("image: %w", core.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge, "payload_too_large"},
		{fmt.Errorf("store: %w", core.ErrBackendBusy), http.StatusServiceUnavailable, "backend_busy"},
	}
	for _, tc := range tests {
		h := newHarness(Options{})
		h.runner.err = tc.err
		rec := h.post(t, "/api/timeline", `{"topic":"flood"}`)
		if rec.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
		if got := decodeErrorBody(t, rec); got.Kind != tc.wantKind {
			t.Errorf("%v: kind = %q, want %q", tc.err, got.Kind, tc.wantKind)
		}
	}
}

// =============================================================================
// TIMELINE
// =============================================================================

func TestTimeline_HappyPath(t *testing.T) {
	h := newHarness(Options{})
	rec := h.post(t, "/api/timeline", `{"topic":"downtown flooding","limit":5,"session_id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp core.TimelineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Topic != "downtown flooding" || len(resp.Events) != 1 {
		t.Errorf("response = %+v, want the stubbed timeline", resp)
	}
	if h.runner.got.Limit != 5 || h.runner.got.SessionID != "s1" {
		t.Errorf("pipeline saw %+v, want limit 5 session s1", h.runner.got)
	}
}

func TestTimeline_EmptyStoreIsStillOK(t *testing.T) {
	h := newHarness(Options{})
	h.runner.resp = &core.TimelineResponse{
		Topic:     "quiet topic",
		Events:    []core.Event{},
		FollowUps: []core.FollowUpQuestion{},
	}
	rec := h.post(t, "/api/timeline", `{"topic":"quiet topic"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for an empty timeline", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"events":[]`) {
		t.Errorf("body = %s, want an empty events array, not null", body)
	}
	if !strings.Contains(body, `"misinformation":null`) {
		t.Errorf("body = %s, want explicit null misinformation", body)
	}
}

func TestTimeline_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing topic", `{"limit":10}`},
		{"blank topic", `{"topic":"   "}`},
		{"limit too high", `{"topic":"x","limit":51}`},
		{"limit negative", `{"topic":"x","limit":-1}`},
		{"credibility above one", `{"topic":"x","min_credibility":1.5}`},
		{"credibility negative", `{"topic":"x","min_credibility":-0.1}`},
		{"malformed json", `{"topic":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(Options{})
			rec := h.post(t, "/api/timeline", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeErrorBody(t, rec); got.Kind != "invalid_request" {
				t.Errorf("kind = %q, want invalid_request", got.Kind)
			}
			if h.runner.got != nil {
				t.Error("pipeline ran on an invalid request")
			}
		})
	}
}

func TestTimeline_DefaultLimitApplied(t *testing.T) {
	h := newHarness(Options{})
	if rec := h.post(t, "/api/timeline", `{"topic":"flood"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.runner.got.Limit != 10 {
		t.Errorf("limit = %d, want the default 10", h.runner.got.Limit)
	}
}

func TestTimeline_ImageOnlyRequestAccepted(t *testing.T) {
	h := newHarness(Options{})
	if rec := h.post(t, "/api/timeline", `{"image_base64":"aGk="}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for image-only request", rec.Code)
	}
	if h.runner.got.ImageBase64 != "aGk=" {
		t.Errorf("image = %q, want forwarded", h.runner.got.ImageBase64)
	}
}

func TestTimeline_BodyLimit(t *testing.T) {
	h := newHarness(Options{MaxBodyBytes: 128})
	big := fmt.Sprintf(`{"topic":"x","image_base64":"%s"}`, strings.Repeat("A", 512))
	rec := h.post(t, "/api/timeline", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got.Kind != "payload_too_large" {
		t.Errorf("kind = %q, want payload_too_large", got.Kind)
	}
}

// =============================================================================
// VERIFY / DETECT / FOLLOWUP / RECOMMEND
// =============================================================================

func TestVerify_FormatsEngagementForThePrompt(t *testing.T) {
	h := newHarness(Options{})
	var gotAuthor, gotEngagement string
	h.gen.verify = func(ctx context.Context, text, author, engagement string) (core.CredibilityAssessment, error) {
		gotAuthor, gotEngagement = author, engagement
		return core.CredibilityAssessment{CredibilityScore: 0.4, Factors: []string{"unverified author"}}, nil
	}
	rec := h.post(t, "/api/verify", `{"text":"the dam failed","engagement":{"fave_count":100,"retweet_count":50,"reply_count":10}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotAuthor != "Unknown" {
		t.Errorf("author = %q, want the Unknown default", gotAuthor)
	}
	if !strings.Contains(gotEngagement, "100 likes") || !strings.Contains(gotEngagement, "50 retweets") {
		t.Errorf("engagement = %q, want formatted counts", gotEngagement)
	}
	var assessment core.CredibilityAssessment
	if err := json.Unmarshal(rec.Body.Bytes(), &assessment); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if assessment.CredibilityScore != 0.4 {
		t.Errorf("score = %v, want 0.4", assessment.CredibilityScore)
	}
}

func TestVerify_MissingEngagementUsesPlaceholder(t *testing.T) {
	h := newHarness(Options{})
	var gotEngagement string
	h.gen.verify = func(ctx context.Context, text, author, engagement string) (core.CredibilityAssessment, error) {
		gotEngagement = engagement
		return core.CredibilityAssessment{}, nil
	}
	if rec := h.post(t, "/api/verify", `{"text":"claim","author":"reporter"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotEngagement != "No engagement data" {
		t.Errorf("engagement = %q, want the placeholder", gotEngagement)
	}
}

func TestVerify_RequiresText(t *testing.T) {
	h := newHarness(Options{})
	if rec := h.post(t, "/api/verify", `{"author":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDetect_MergesLocalPatterns(t *testing.T) {
	h := newHarness(Options{})
	h.gen.detect = func(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
		return core.MisinfoAnalysis{
			IsSuspicious:       true,
			SuspiciousPatterns: []string{"unsourced casualty figures"},
			RiskLevel:          core.RiskMedium,
		}, nil
	}
	rec := h.post(t, "/api/detect", `{"text":"BREAKING!!! the levee failed, share before they delete this"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var analysis core.MisinfoAnalysis
	if err := json.Unmarshal(rec.Body.Bytes(), &analysis); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if analysis.SuspiciousPatterns[0] != "unsourced casualty figures" {
		t.Errorf("patterns = %v, want the model's pattern first", analysis.SuspiciousPatterns)
	}
	joined := strings.Join(analysis.SuspiciousPatterns, "|")
	for _, want := range []string{"breaking-news framing", "repeated exclamation marks", "share pressure"} {
		if !strings.Contains(joined, want) {
			t.Errorf("patterns = %v, missing local %q", analysis.SuspiciousPatterns, want)
		}
	}
	if !analysis.IsSuspicious || analysis.RiskLevel != core.RiskMedium {
		t.Errorf("analysis = %+v, local merge must not change the model verdict", analysis)
	}
}

func TestDetect_RequiresText(t *testing.T) {
	h := newHarness(Options{})
	if rec := h.post(t, "/api/detect", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFollowUp_BuildsSummaryAndEnvelope(t *testing.T) {
	h := newHarness(Options{})
	var gotSummary string
	var gotPrior []string
	h.gen.followups = func(ctx context.Context, q, summary string, prior []string) ([]core.FollowUpQuestion, error) {
		gotSummary, gotPrior = summary, prior
		return []core.FollowUpQuestion{
			{Question: "what caused the breach?", Category: core.CategoryDeepDive, Priority: 1},
			{Question: "were there earlier warnings?", Category: core.CategoryVerification, Priority: 2},
		}, nil
	}
	body := `{"original_query":"downtown flooding","timeline_topic":"downtown flooding",
		"events_summary":["levee breached","evacuations began"],
		"avg_credibility":0.82,"total_events":2,"total_sources":3,
		"previous_questions":["when did it start?"]}`
	rec := h.post(t, "/api/followup", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	for _, want := range []string{"levee breached", "evacuations began", "2 events from 3 sources", "0.82"} {
		if !strings.Contains(gotSummary, want) {
			t.Errorf("summary = %q, missing %q", gotSummary, want)
		}
	}
	if len(gotPrior) != 1 || gotPrior[0] != "when did it start?" {
		t.Errorf("prior = %v, want the previous question forwarded", gotPrior)
	}
	var resp followUpResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Query != "downtown flooding" || resp.Count != 2 || len(resp.Questions) != 2 {
		t.Errorf("envelope = %+v, want query/count/questions filled", resp)
	}
}

func TestFollowUp_RequiresOriginalQuery(t *testing.T) {
	h := newHarness(Options{})
	if rec := h.post(t, "/api/followup", `{"timeline_topic":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRecommend_DefaultsAndBounds(t *testing.T) {
	h := newHarness(Options{})
	var gotLimit int
	h.gen.recommend = func(ctx context.Context, query string, limit int) ([]core.Recommendation, error) {
		gotLimit = limit
		return nil, nil
	}

	rec := h.post(t, "/api/recommend", `{"query":"flood safety"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotLimit != 5 {
		t.Errorf("limit = %d, want the default 5", gotLimit)
	}
	var resp recommendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Recommendations == nil {
		t.Error("recommendations must encode as an array, not null")
	}

	if rec := h.post(t, "/api/recommend", `{"query":"x","limit":21}`); rec.Code != http.StatusBadRequest {
		t.Errorf("limit 21: status = %d, want 400", rec.Code)
	}
	if rec := h.post(t, "/api/recommend", `{"limit":5}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing query: status = %d, want 400", rec.Code)
	}
}

func TestGeneratorFailuresMapOnStandaloneEndpoints(t *testing.T) {
	h := newHarness(Options{})
	h.gen.detect = func(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
		return core.MisinfoAnalysis{}, fmt.Errorf("generate: %w", core.ErrSchemaViolation)
	}
	rec := h.post(t, "/api/detect", `{"text":"claim"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got.Kind != "schema_violation" {
		t.Errorf("kind = %q, want schema_violation", got.Kind)
	}
}

// =============================================================================
// HEALTH AND PLUMBING
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(Options{})
	rec := h.get(t, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when all components are ready", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || !resp.EmbedderReady || !resp.VectorStoreReady || !resp.GeneratorReady {
		t.Errorf("health = %+v, want all ready", resp)
	}

	h.health.err = errors.New("connection refused")
	rec = h.get(t, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the store is down", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.VectorStoreReady {
		t.Errorf("health = %+v, want degraded with store not ready", resp)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(Options{})

	rec := h.get(t, "/health")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "caller-chosen" {
		t.Errorf("X-Request-ID = %q, want the caller's id echoed", got)
	}
}

func TestRecovererReturnsInternalError(t *testing.T) {
	h := newHarness(Options{})
	h.gen.detect = func(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
		panic("boom")
	}
	rec := h.post(t, "/api/detect", `{"text":"claim"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeErrorBody(t, rec); got.Kind != "internal" {
		t.Errorf("kind = %q, want internal", got.Kind)
	}
}

func TestRoot(t *testing.T) {
	h := newHarness(Options{Version: "9.9.9"})
	rec := h.get(t, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "9.9.9") {
		t.Errorf("body = %s, want the version", rec.Body.String())
	}
}
