// Package core holds the shared domain types and error kinds used across
// chronofact packages. It exists so that the store, retrieval, generation,
// and pipeline layers can exchange values without import cycles.
package core

import (
	"time"
)

// Collection names. All persisted state lives in these three.
const (
	CollectionPosts  = "x_posts"
	CollectionFacts  = "knowledge_facts"
	CollectionMemory = "session_memory"
)

// Named vectors carried by points.
const (
	VectorText       = "text"
	VectorImage      = "image"
	VectorMultimodal = "multimodal"
	VectorSparse     = "text_bm25"
)

// Memory types. The type selects the decay rate.
const (
	MemoryTypeInteraction = "interaction"
	MemoryTypeFact        = "fact"
	MemoryTypePreference  = "preference"
)

// Fact verification statuses.
const (
	VerificationVerified   = "verified"
	VerificationDisputed   = "disputed"
	VerificationUnverified = "unverified"
)

// Misinformation risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Follow-up question categories.
const (
	CategoryDeepDive     = "deep_dive"
	CategoryRelatedTopic = "related_topic"
	CategoryVerification = "verification"
	CategoryPrediction   = "prediction"
	CategoryComparison   = "comparison"
)

// =============================================================================
// STORED DOCUMENTS
// =============================================================================

// Post is the unit of retrieval: a social-media-style post with a persisted
// credibility score. Credibility is assigned at ingestion and never
// recomputed at query time.
type Post struct {
	ID               string    `json:"id"`
	PostID           string    `json:"post_id"`
	Text             string    `json:"text"`
	Author           string    `json:"author"`
	AuthorVerified   bool      `json:"is_verified"`
	Timestamp        time.Time `json:"timestamp"`
	Location         string    `json:"location,omitempty"`
	CredibilityScore float64   `json:"credibility_score"`
	FaveCount        int       `json:"fave_count,omitempty"`
	RetweetCount     int       `json:"retweet_count,omitempty"`
	MediaURLs        []string  `json:"media_urls,omitempty"`
	ImageCaption     string    `json:"image_caption,omitempty"`
	SourceDomain     string    `json:"source_domain,omitempty"`
}

// HasImages reports whether the post carries media.
func (p Post) HasImages() bool { return len(p.MediaURLs) > 0 }

// Payload converts the post into the filterable payload stored alongside its
// vectors. Keys match the payload indexes declared at collection creation.
func (p Post) Payload() map[string]any {
	pl := map[string]any{
		"post_id":           p.PostID,
		"text":              p.Text,
		"author":            p.Author,
		"is_verified":       p.AuthorVerified,
		"timestamp":         p.Timestamp.UTC().Format(time.RFC3339),
		"credibility_score": p.CredibilityScore,
		"has_images":        p.HasImages(),
	}
	if p.Location != "" {
		pl["location"] = p.Location
	}
	if p.FaveCount > 0 {
		pl["fave_count"] = p.FaveCount
	}
	if p.RetweetCount > 0 {
		pl["retweet_count"] = p.RetweetCount
	}
	if len(p.MediaURLs) > 0 {
		pl["media_urls"] = toAnySlice(p.MediaURLs)
	}
	if p.ImageCaption != "" {
		pl["image_caption"] = p.ImageCaption
	}
	if p.SourceDomain != "" {
		pl["source_domain"] = p.SourceDomain
	}
	return pl
}

// PostFromPayload reconstructs a Post from a stored payload. Missing or
// mistyped fields fall back to zero values; the store may hand back JSON
// numbers as float64 or integers depending on the backend.
func PostFromPayload(id string, pl map[string]any) Post {
	return Post{
		ID:               id,
		PostID:           asString(pl["post_id"]),
		Text:             asString(pl["text"]),
		Author:           asString(pl["author"]),
		AuthorVerified:   asBool(pl["is_verified"]),
		Timestamp:        asTime(pl["timestamp"]),
		Location:         asString(pl["location"]),
		CredibilityScore: asFloat(pl["credibility_score"]),
		FaveCount:        asInt(pl["fave_count"]),
		RetweetCount:     asInt(pl["retweet_count"]),
		MediaURLs:        asStringSlice(pl["media_urls"]),
		ImageCaption:     asString(pl["image_caption"]),
		SourceDomain:     asString(pl["source_domain"]),
	}
}

// Fact is a verified claim used for grounding.
type Fact struct {
	ID                 string    `json:"id"`
	FactID             string    `json:"fact_id"`
	Statement          string    `json:"statement"`
	Sources            []string  `json:"sources"`
	VerificationStatus string    `json:"verification_status"`
	VerifiedAt         time.Time `json:"verified_at"`
}

// Payload converts the fact into its stored payload.
func (f Fact) Payload() map[string]any {
	return map[string]any{
		"fact_id":             f.FactID,
		"statement":           f.Statement,
		"sources":             toAnySlice(f.Sources),
		"verification_status": f.VerificationStatus,
		"verified_at":         f.VerifiedAt.UTC().Format(time.RFC3339),
	}
}

// FactFromPayload reconstructs a Fact from a stored payload.
func FactFromPayload(id string, pl map[string]any) Fact {
	return Fact{
		ID:                 id,
		FactID:             asString(pl["fact_id"]),
		Statement:          asString(pl["statement"]),
		Sources:            asStringSlice(pl["sources"]),
		VerificationStatus: asString(pl["verification_status"]),
		VerifiedAt:         asTime(pl["verified_at"]),
	}
}

// Memory is an evolving per-session recollection. RelevanceScore decays over
// time and is reinforced on access; memories below the deletion threshold are
// unreachable and eligible for GC.
type Memory struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Content        string    `json:"content"`
	MemoryType     string    `json:"memory_type"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	AccessCount    int       `json:"access_count"`
	RelevanceScore float64   `json:"relevance_score"`
	DecayRate      float64   `json:"decay_rate"`
	IsConsolidated bool      `json:"is_consolidated"`
	ParentMemories []string  `json:"parent_memories,omitempty"`
}

// Payload converts the memory into its stored payload.
func (m Memory) Payload() map[string]any {
	pl := map[string]any{
		"session_id":      m.SessionID,
		"content":         m.Content,
		"memory_type":     m.MemoryType,
		"created_at":      m.CreatedAt.UTC().Format(time.RFC3339),
		"last_accessed":   m.LastAccessed.UTC().Format(time.RFC3339),
		"access_count":    m.AccessCount,
		"relevance_score": m.RelevanceScore,
		"decay_rate":      m.DecayRate,
		"is_consolidated": m.IsConsolidated,
	}
	if len(m.ParentMemories) > 0 {
		pl["parent_memories"] = toAnySlice(m.ParentMemories)
	}
	return pl
}

// MemoryFromPayload reconstructs a Memory from a stored payload.
func MemoryFromPayload(id string, pl map[string]any) Memory {
	return Memory{
		ID:             id,
		SessionID:      asString(pl["session_id"]),
		Content:        asString(pl["content"]),
		MemoryType:     asString(pl["memory_type"]),
		CreatedAt:      asTime(pl["created_at"]),
		LastAccessed:   asTime(pl["last_accessed"]),
		AccessCount:    asInt(pl["access_count"]),
		RelevanceScore: asFloat(pl["relevance_score"]),
		DecayRate:      asFloat(pl["decay_rate"]),
		IsConsolidated: asBool(pl["is_consolidated"]),
		ParentMemories: asStringSlice(pl["parent_memories"]),
	}
}

// =============================================================================
// PIPELINE VALUES
// =============================================================================

// TimeRange bounds retrieval by post timestamp. Either end may be zero.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// QueryPlan is the interpreted form of a raw query: the retriever's input.
// ImageVector and MediaOnly are injected by the pipeline from the request,
// never produced by query interpretation.
type QueryPlan struct {
	RefinedText    string     `json:"refined_text"`
	Entities       []string   `json:"entities,omitempty"`
	Locations      []string   `json:"locations,omitempty"`
	TimeRange      *TimeRange `json:"time_range,omitempty"`
	MinCredibility float64    `json:"min_credibility"`
	Limit          int        `json:"limit"`
	ImageVector    []float32  `json:"-"`
	MediaOnly      bool       `json:"-"`
}

// Event is one entry of a synthesized timeline. Sources cite post ids from
// the retrieval context; CredibilityScore is the mean of the cited posts'
// scores.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Summary          string    `json:"summary"`
	Sources          []string  `json:"sources"`
	Location         string    `json:"location,omitempty"`
	CredibilityScore float64   `json:"credibility_score"`
}

// Timeline is the synthesis output before response assembly.
type Timeline struct {
	Topic       string   `json:"topic"`
	Events      []Event  `json:"events"`
	Predictions []string `json:"predictions,omitempty"`
}

// MisinfoAnalysis reports misinformation risk for a text.
type MisinfoAnalysis struct {
	IsSuspicious       bool     `json:"is_suspicious"`
	SuspiciousPatterns []string `json:"suspicious_patterns"`
	RiskLevel          string   `json:"risk_level"`
	Recommendation     string   `json:"recommendation"`
}

// FollowUpQuestion is a suggested continuation of the investigation.
type FollowUpQuestion struct {
	Question string `json:"question"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

// CredibilityAssessment is the result of verifying a single claim.
type CredibilityAssessment struct {
	CredibilityScore float64  `json:"credibility_score"`
	Factors          []string `json:"factors"`
	Reasoning        string   `json:"reasoning"`
}

// Recommendation is a context-aware suggested action for a query.
type Recommendation struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// VisualContext is what image analysis extracted from an attached photo. The
// description is folded into the search query; entities seed the plan.
type VisualContext struct {
	Description string   `json:"visual_context"`
	Entities    []string `json:"entities,omitempty"`
}

// TimelineRequest is the core's view of a timeline call. The HTTP layer
// validates and fills defaults before handing it over.
type TimelineRequest struct {
	Topic             string   `json:"topic"`
	Limit             int      `json:"limit"`
	Location          string   `json:"location,omitempty"`
	MinCredibility    *float64 `json:"min_credibility,omitempty"`
	IncludeMediaOnly  bool     `json:"include_media_only,omitempty"`
	ImageBase64       string   `json:"image_base64,omitempty"`
	SessionID         string   `json:"session_id,omitempty"`
	PreviousQuestions []string `json:"previous_questions,omitempty"`
}

// TimelineResponse is the assembled answer. Misinformation and FollowUps are
// nullable: auxiliary failures surface as a reason string, never as a
// top-level error.
type TimelineResponse struct {
	Topic               string             `json:"topic"`
	Events              []Event            `json:"events"`
	Predictions         []string           `json:"predictions,omitempty"`
	TotalSources        int                `json:"total_sources"`
	AvgCredibility      float64            `json:"avg_credibility"`
	Misinformation      *MisinfoAnalysis   `json:"misinformation"`
	MisinformationError string             `json:"misinformation_error,omitempty"`
	FollowUps           []FollowUpQuestion `json:"follow_ups"`
	FollowUpsError      string             `json:"follow_ups_error,omitempty"`
	Partial             bool               `json:"partial,omitempty"`
}

// =============================================================================
// PAYLOAD VALUE COERCION
// =============================================================================

// Stored payloads round-trip through JSON and gRPC value types, so numeric
// fields arrive as float64, int64, or int depending on the backend.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	}
	return 0
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func asStringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		out := make([]string, len(vs))
		copy(out, vs)
		return out
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
