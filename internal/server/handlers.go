package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"chronofact/internal/core"
	"chronofact/internal/credibility"
)

// =============================================================================
// RESPONSES
// =============================================================================

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error contract onto HTTP statuses.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case "invalid_request":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "payload_too_large":
		return http.StatusRequestEntityTooLarge
	case "rate_limited":
		return http.StatusTooManyRequests
	case "embedding_unavailable", "retrieval_unavailable", "schema_violation",
		"store_unavailable", "schema_mismatch":
		return http.StatusBadGateway
	case "backend_busy":
		return http.StatusServiceUnavailable
	case "deadline_exceeded":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    core.KindOf(err),
		Message: err.Error(),
	}})
}

// decodeJSON reads the request body into dst, converting decoder failures
// into the error contract.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body exceeds %d bytes", core.ErrPayloadTooLarge, maxErr.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidRequest, err)
	}
	return nil
}

// =============================================================================
// TIMELINE
// =============================================================================

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	var req core.TimelineRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateTimelineRequest(&req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Pipeline.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateTimelineRequest(req *core.TimelineRequest) error {
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" && req.ImageBase64 == "" {
		return fmt.Errorf("%w: topic is required unless image_base64 is set", core.ErrInvalidRequest)
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	if req.Limit < 1 || req.Limit > 50 {
		return fmt.Errorf("%w: limit must be between 1 and 50", core.ErrInvalidRequest)
	}
	if req.MinCredibility != nil && (*req.MinCredibility < 0 || *req.MinCredibility > 1) {
		return fmt.Errorf("%w: min_credibility must be between 0 and 1", core.ErrInvalidRequest)
	}
	return nil
}

// =============================================================================
// VERIFY
// =============================================================================

type verifyRequest struct {
	Text       string          `json:"text"`
	Author     string          `json:"author,omitempty"`
	Engagement *engagementBody `json:"engagement,omitempty"`
}

type engagementBody struct {
	FaveCount    int `json:"fave_count"`
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, r, fmt.Errorf("%w: text is required", core.ErrInvalidRequest))
		return
	}
	author := req.Author
	if author == "" {
		author = "Unknown"
	}
	engagement := "No engagement data"
	if req.Engagement != nil {
		engagement = credibility.FormatEngagement(req.Engagement.FaveCount, req.Engagement.RetweetCount, req.Engagement.ReplyCount)
	}
	assessment, err := s.deps.Generator.AssessCredibility(r.Context(), req.Text, author, engagement)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

// =============================================================================
// DETECT
// =============================================================================

type detectRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, r, fmt.Errorf("%w: text is required", core.ErrInvalidRequest))
		return
	}
	analysis, err := s.deps.Generator.DetectMisinformation(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Local heuristics catch pattern-shaped signals the model may phrase
	// differently or miss outright.
	analysis.SuspiciousPatterns = credibility.MergePatterns(
		analysis.SuspiciousPatterns, credibility.ScanPatterns(req.Text))
	writeJSON(w, http.StatusOK, analysis)
}

// =============================================================================
// FOLLOW-UP
// =============================================================================

type followUpRequest struct {
	OriginalQuery     string   `json:"original_query"`
	TimelineTopic     string   `json:"timeline_topic"`
	EventsSummary     []string `json:"events_summary"`
	AvgCredibility    float64  `json:"avg_credibility"`
	TotalEvents       int      `json:"total_events"`
	TotalSources      int      `json:"total_sources"`
	PreviousQuestions []string `json:"previous_questions,omitempty"`
}

// summary renders the caller's timeline digest for the generator prompt.
func (req *followUpRequest) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "topic: %s", req.TimelineTopic)
	for _, line := range req.EventsSummary {
		fmt.Fprintf(&b, "\n- %s", line)
	}
	fmt.Fprintf(&b, "\n%d events from %d sources, average credibility %.2f",
		req.TotalEvents, req.TotalSources, req.AvgCredibility)
	return b.String()
}

type followUpResponse struct {
	Query     string                  `json:"query"`
	Count     int                     `json:"count"`
	Questions []core.FollowUpQuestion `json:"questions"`
}

func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req followUpRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OriginalQuery) == "" {
		s.writeError(w, r, fmt.Errorf("%w: original_query is required", core.ErrInvalidRequest))
		return
	}
	questions, err := s.deps.Generator.GenerateFollowUpQuestions(r.Context(), req.OriginalQuery, req.summary(), req.PreviousQuestions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if questions == nil {
		questions = []core.FollowUpQuestion{}
	}
	writeJSON(w, http.StatusOK, followUpResponse{
		Query:     req.OriginalQuery,
		Count:     len(questions),
		Questions: questions,
	})
}

// =============================================================================
// RECOMMEND
// =============================================================================

type recommendRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type recommendResponse struct {
	Query           string                `json:"query"`
	Count           int                   `json:"count"`
	Recommendations []core.Recommendation `json:"recommendations"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, r, fmt.Errorf("%w: query is required", core.ErrInvalidRequest))
		return
	}
	if req.Limit == 0 {
		req.Limit = 5
	}
	if req.Limit < 1 || req.Limit > 20 {
		s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 20", core.ErrInvalidRequest))
		return
	}
	recs, err := s.deps.Generator.GenerateRecommendations(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []core.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recommendResponse{
		Query:           req.Query,
		Count:           len(recs),
		Recommendations: recs,
	})
}
