// Package generator produces structured artifacts (query plans, timelines,
// misinformation analyses, follow-ups, credibility assessments) from an LLM
// provider. Every call is schema-first: the provider is asked for JSON
// conforming to a declared schema, the answer is validated structurally and
// semantically, and rejected answers are regenerated with the validator's
// message appended so the model can correct itself.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chronofact/internal/core"
	"chronofact/internal/metrics"
)

// maxValidationRetries bounds the regenerate-with-feedback loop. One call
// plus two retries keeps worst-case latency inside the request deadline.
const maxValidationRetries = 2

// Generator runs every structured-output function against one provider.
// All functions share one limiter so parallel pipeline stages stay inside
// the provider quota together.
type Generator struct {
	client  Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Generator. ratePerMin and burst describe the provider quota.
func New(client Client, ratePerMin, burst int, logger *zap.Logger) *Generator {
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &Generator{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), burst),
		logger:  logger.Named("generator"),
	}
}

// ClientName reports the active provider, for health reporting.
func (g *Generator) ClientName() string { return g.client.Name() }

// wait admits one provider call. A limiter rejection while the context is
// still live means the reservation cannot fit the deadline, which callers
// surface as rate limiting rather than as a timeout.
func (g *Generator) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", core.ErrDeadlineExceeded, err)
		}
		return fmt.Errorf("%w: %v", core.ErrRateLimited, err)
	}
	return nil
}

// generate is the loop shared by every function: rate limit, call the
// provider, validate against the schema, then hand the raw JSON to decode
// for semantic checks. A rejected answer is retried with the validator's
// message appended to the prompt; transport errors are not retried here
// since the clients already retry transient failures internally.
func (g *Generator) generate(ctx context.Context, fn, userPrompt string, schema *Schema,
	call func(ctx context.Context, prompt string) (json.RawMessage, error),
	decode func(raw json.RawMessage) error) error {

	prompt := userPrompt
	var lastErr error
	for attempt := 0; attempt <= maxValidationRetries; attempt++ {
		if attempt > 0 {
			metrics.GeneratorRetries.WithLabelValues(fn).Inc()
			prompt = fmt.Sprintf("%s\n\nYour previous answer was rejected: %v\nReturn a corrected answer that fixes every problem above.", userPrompt, lastErr)
		}
		if err := g.wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}

		raw, err := call(ctx, prompt)
		if err != nil {
			if errors.Is(err, core.ErrRateLimited) {
				return fmt.Errorf("%s: %w", fn, err)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %v", core.ErrDeadlineExceeded, fn, err)
			}
			return fmt.Errorf("%s: %w", fn, err)
		}

		if err := ValidateSchema(schema, raw); err != nil {
			lastErr = err
			g.logger.Warn("generated output rejected",
				zap.String("function", fn),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if err := decode(raw); err != nil {
			lastErr = err
			g.logger.Warn("generated output rejected",
				zap.String("function", fn),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", core.ErrSchemaViolation, fn, lastErr)
}

func (g *Generator) textCall(systemPrompt string, schema *Schema) func(context.Context, string) (json.RawMessage, error) {
	return func(ctx context.Context, prompt string) (json.RawMessage, error) {
		return g.client.CompleteStructured(ctx, systemPrompt, prompt, schema)
	}
}

// ProcessQuery interprets a raw user query into a retrieval plan. The
// pipeline owns min_credibility and limit; this fills the text-derived
// fields only.
func (g *Generator) ProcessQuery(ctx context.Context, rawQuery string) (core.QueryPlan, error) {
	var plan core.QueryPlan
	decode := func(raw json.RawMessage) error {
		var out struct {
			RefinedText string   `json:"refined_text"`
			Entities    []string `json:"entities"`
			Locations   []string `json:"locations"`
			TimeRange   *struct {
				From string `json:"from"`
				To   string `json:"to"`
			} `json:"time_range"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding query plan: %v", err)
		}
		plan = core.QueryPlan{
			RefinedText: strings.TrimSpace(out.RefinedText),
			Entities:    out.Entities,
			Locations:   lowercaseAll(out.Locations),
		}
		if out.TimeRange != nil {
			tr, err := parseTimeRange(out.TimeRange.From, out.TimeRange.To)
			if err != nil {
				return err
			}
			plan.TimeRange = tr
		}
		return ValidateQueryPlan(&plan)
	}
	if err := g.generate(ctx, "process_query", buildProcessQueryPrompt(rawQuery), queryPlanSchema,
		g.textCall(processQuerySystemPrompt, queryPlanSchema), decode); err != nil {
		return core.QueryPlan{}, err
	}
	return plan, nil
}

// GenerateTimeline synthesizes up to n events for the query, grounded in the
// given posts. Event credibility in the returned timeline is the mean of the
// cited posts' scores, recomputed by the validator.
func (g *Generator) GenerateTimeline(ctx context.Context, query string, posts []core.Post, n int) (core.Timeline, error) {
	var tl core.Timeline
	decode := func(raw json.RawMessage) error {
		var out struct {
			Topic  string `json:"topic"`
			Events []struct {
				Timestamp        string   `json:"timestamp"`
				Summary          string   `json:"summary"`
				Sources          []string `json:"sources"`
				Location         string   `json:"location"`
				CredibilityScore float64  `json:"credibility_score"`
			} `json:"events"`
			Predictions []string `json:"predictions"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding timeline: %v", err)
		}
		tl = core.Timeline{
			Topic:       out.Topic,
			Events:      make([]core.Event, 0, len(out.Events)),
			Predictions: out.Predictions,
		}
		for i, ev := range out.Events {
			ts, err := time.Parse(time.RFC3339, ev.Timestamp)
			if err != nil {
				return fmt.Errorf("event %d timestamp %q is not RFC3339", i, ev.Timestamp)
			}
			tl.Events = append(tl.Events, core.Event{
				Timestamp:        ts,
				Summary:          ev.Summary,
				Sources:          ev.Sources,
				Location:         ev.Location,
				CredibilityScore: ev.CredibilityScore,
			})
		}
		return ValidateTimeline(&tl, posts, n)
	}
	if err := g.generate(ctx, "generate_timeline", buildTimelinePrompt(query, posts, n), timelineSchema,
		g.textCall(timelineSystemPrompt, timelineSchema), decode); err != nil {
		return core.Timeline{}, err
	}
	return tl, nil
}

// DetectMisinformation analyzes a text for manipulation signals.
func (g *Generator) DetectMisinformation(ctx context.Context, text string) (core.MisinfoAnalysis, error) {
	var out core.MisinfoAnalysis
	decode := func(raw json.RawMessage) error {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding analysis: %v", err)
		}
		return nil
	}
	if err := g.generate(ctx, "detect_misinformation", buildMisinfoPrompt(text), misinfoSchema,
		g.textCall(misinfoSystemPrompt, misinfoSchema), decode); err != nil {
		return core.MisinfoAnalysis{}, err
	}
	return out, nil
}

// GenerateFollowUpQuestions proposes new investigative questions, excluding
// any that repeat the already-asked ones.
func (g *Generator) GenerateFollowUpQuestions(ctx context.Context, originalQuery, timelineSummary string, prior []string) ([]core.FollowUpQuestion, error) {
	var kept []core.FollowUpQuestion
	decode := func(raw json.RawMessage) error {
		var out struct {
			Questions []core.FollowUpQuestion `json:"questions"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding questions: %v", err)
		}
		var err error
		kept, err = ValidateFollowUps(out.Questions, prior)
		return err
	}
	if err := g.generate(ctx, "follow_up_questions", buildFollowUpPrompt(originalQuery, timelineSummary, prior), followUpsSchema,
		g.textCall(followUpSystemPrompt, followUpsSchema), decode); err != nil {
		return nil, err
	}
	return kept, nil
}

// AssessCredibility scores a single post text. Author and engagement may be
// empty; the prompt substitutes explicit unknowns.
func (g *Generator) AssessCredibility(ctx context.Context, text, author, engagement string) (core.CredibilityAssessment, error) {
	var out core.CredibilityAssessment
	decode := func(raw json.RawMessage) error {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding assessment: %v", err)
		}
		out.CredibilityScore = clamp01(out.CredibilityScore)
		return nil
	}
	if err := g.generate(ctx, "assess_credibility", buildCredibilityPrompt(text, author, engagement), credibilitySchema,
		g.textCall(credibilitySystemPrompt, credibilitySchema), decode); err != nil {
		return core.CredibilityAssessment{}, err
	}
	return out, nil
}

// GenerateRecommendations proposes next investigative actions for a query.
func (g *Generator) GenerateRecommendations(ctx context.Context, query string, limit int) ([]core.Recommendation, error) {
	if limit <= 0 {
		limit = 5
	}
	var recs []core.Recommendation
	decode := func(raw json.RawMessage) error {
		var out struct {
			Recommendations []core.Recommendation `json:"recommendations"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding recommendations: %v", err)
		}
		if len(out.Recommendations) == 0 {
			return errors.New("no recommendations were produced; return at least one")
		}
		recs = out.Recommendations
		if len(recs) > limit {
			recs = recs[:limit]
		}
		return nil
	}
	if err := g.generate(ctx, "recommendations", buildRecommendPrompt(query, limit), recommendationsSchema,
		g.textCall(recommendSystemPrompt, recommendationsSchema), decode); err != nil {
		return nil, err
	}
	return recs, nil
}

// AnalyzeImage describes an attached image so its content can join the
// search. Not every provider accepts images; a text-only provider yields a
// backend-unavailable error the pipeline treats as a soft failure.
func (g *Generator) AnalyzeImage(ctx context.Context, image []byte, mimeType, topic string) (core.VisualContext, error) {
	vcl, ok := g.client.(VisionClient)
	if !ok {
		return core.VisualContext{}, fmt.Errorf("%w: provider %s does not support image analysis", core.ErrEmbeddingUnavailable, g.client.Name())
	}
	var out core.VisualContext
	decode := func(raw json.RawMessage) error {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding visual context: %v", err)
		}
		if strings.TrimSpace(out.Description) == "" {
			return errors.New("visual_context is empty; describe what the image shows")
		}
		return nil
	}
	call := func(ctx context.Context, prompt string) (json.RawMessage, error) {
		return vcl.CompleteStructuredWithImage(ctx, visionSystemPrompt, prompt, image, mimeType, visualContextSchema)
	}
	if err := g.generate(ctx, "analyze_image", buildVisionPrompt(topic), visualContextSchema, call, decode); err != nil {
		return core.VisualContext{}, err
	}
	return out, nil
}

func parseTimeRange(from, to string) (*core.TimeRange, error) {
	var tr core.TimeRange
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, fmt.Errorf("time_range.from %q is not RFC3339", from)
		}
		tr.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, fmt.Errorf("time_range.to %q is not RFC3339", to)
		}
		tr.To = t
	}
	if tr.From.IsZero() && tr.To.IsZero() {
		return nil, nil
	}
	return &tr, nil
}

func lowercaseAll(ss []string) []string {
	for i, s := range ss {
		ss[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return ss
}
