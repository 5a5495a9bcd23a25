package retrieval

import (
	"sort"

	"chronofact/internal/core"
	"chronofact/internal/vectorstore"
)

// =============================================================================
// RECIPROCAL-RANK FUSION
// =============================================================================

// Weights balance the fused score. Credibility is read off the payload
// rather than a rank list, so strong sourcing nudges ties apart.
type Weights struct {
	Dense       float64
	Sparse      float64
	Multimodal  float64
	Credibility float64
}

// ComponentScores carries the raw per-channel scores of one candidate,
// useful for debugging relevance.
type ComponentScores struct {
	Dense       float64 `json:"dense"`
	Sparse      float64 `json:"sparse"`
	Multimodal  float64 `json:"multimodal"`
	Credibility float64 `json:"credibility"`
}

// Candidate is one fused retrieval result.
type Candidate struct {
	Post            core.Post       `json:"post"`
	FusedScore      float64         `json:"fused_score"`
	ComponentScores ComponentScores `json:"component_scores"`
}

// fuse merges the ranked sub-query results with reciprocal-rank fusion:
// each list contributes weight/(k+rank) with rank starting at 1, missing
// ranks contribute nothing, and credibility adds a payload-derived term.
// The output is sorted by (score desc, timestamp desc, id asc) so equal
// scores favor fresher posts and stay deterministic.
func fuse(dense, sparse, multimodal []vectorstore.ScoredPoint, w Weights, rrfK int) []Candidate {
	if rrfK <= 0 {
		rrfK = 60
	}

	type entry struct {
		post       core.Post
		fused      float64
		components ComponentScores
	}
	entries := make(map[string]*entry)

	absorb := func(points []vectorstore.ScoredPoint, weight float64, setRaw func(*ComponentScores, float64)) {
		for i, sp := range points {
			e, ok := entries[sp.ID]
			if !ok {
				e = &entry{post: core.PostFromPayload(sp.ID, sp.Payload)}
				entries[sp.ID] = e
			}
			rank := i + 1
			e.fused += weight / float64(rrfK+rank)
			setRaw(&e.components, sp.Score)
		}
	}

	absorb(dense, w.Dense, func(c *ComponentScores, s float64) { c.Dense = s })
	absorb(sparse, w.Sparse, func(c *ComponentScores, s float64) { c.Sparse = s })
	absorb(multimodal, w.Multimodal, func(c *ComponentScores, s float64) { c.Multimodal = s })

	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		e.components.Credibility = e.post.CredibilityScore
		e.fused += w.Credibility * e.post.CredibilityScore
		out = append(out, Candidate{
			Post:            e.post,
			FusedScore:      e.fused,
			ComponentScores: e.components,
		})
	}

	sortCandidates(out)
	return out
}

// sortCandidates orders by fused score, breaking ties toward fresher
// posts and then ascending id so equal inputs always produce the same
// list.
func sortCandidates(out []Candidate) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if !out[i].Post.Timestamp.Equal(out[j].Post.Timestamp) {
			return out[i].Post.Timestamp.After(out[j].Post.Timestamp)
		}
		return out[i].Post.ID < out[j].Post.ID
	})
}
