package retrieval

import (
	"testing"
	"time"

	"chronofact/internal/core"
	"chronofact/internal/vectorstore"
)

func scoredPost(score float64, p core.Post) vectorstore.ScoredPoint {
	return vectorstore.ScoredPoint{
		Point: vectorstore.Point{ID: p.ID, Payload: p.Payload()},
		Score: score,
	}
}

func TestFuse_SharedHitOutranksSingleChannel(t *testing.T) {
	ts := time.Date(2024, 10, 29, 12, 0, 0, 0, time.UTC)
	a := core.Post{ID: "a", PostID: "a", Text: "flood", Timestamp: ts, CredibilityScore: 0.5}
	b := core.Post{ID: "b", PostID: "b", Text: "flood", Timestamp: ts, CredibilityScore: 0.5}
	c := core.Post{ID: "c", PostID: "c", Text: "flood", Timestamp: ts, CredibilityScore: 0.5}

	w := Weights{Dense: 0.55, Sparse: 0.25, Multimodal: 0.15, Credibility: 0.05}
	dense := []vectorstore.ScoredPoint{scoredPost(0.9, a), scoredPost(0.8, b)}
	sparse := []vectorstore.ScoredPoint{scoredPost(7.1, a), scoredPost(6.0, c)}

	out := fuse(dense, sparse, nil, w, 60)

	if len(out) != 3 {
		t.Fatalf("fuse() len = %d, want 3", len(out))
	}
	if out[0].Post.ID != "a" {
		t.Fatalf("top candidate = %q, want a (hit in both channels)", out[0].Post.ID)
	}
	// Dense carries more weight than sparse, so b beats c.
	if out[1].Post.ID != "b" || out[2].Post.ID != "c" {
		t.Fatalf("order = [%s %s %s], want [a b c]", out[0].Post.ID, out[1].Post.ID, out[2].Post.ID)
	}
}

func TestFuse_CredibilityLiftsLowerRank(t *testing.T) {
	ts := time.Date(2024, 10, 29, 12, 0, 0, 0, time.UTC)
	shaky := core.Post{ID: "shaky", PostID: "shaky", Timestamp: ts, CredibilityScore: 0.2}
	solid := core.Post{ID: "solid", PostID: "solid", Timestamp: ts, CredibilityScore: 0.9}

	w := Weights{Dense: 0.55, Credibility: 0.05}
	dense := []vectorstore.ScoredPoint{scoredPost(0.9, shaky), scoredPost(0.8, solid)}

	out := fuse(dense, nil, nil, w, 60)

	// 0.55/61 + 0.05*0.2 < 0.55/62 + 0.05*0.9
	if out[0].Post.ID != "solid" {
		t.Fatalf("top candidate = %q, want solid", out[0].Post.ID)
	}
}

func TestFuse_TieBreaksNewerThenID(t *testing.T) {
	older := time.Date(2024, 10, 29, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 10, 29, 12, 0, 0, 0, time.UTC)

	// Symmetric weights and rank 1 in each channel force an exact score tie.
	w := Weights{Dense: 0.5, Sparse: 0.5}

	t.Run("newer_first", func(t *testing.T) {
		p1 := core.Post{ID: "p1", PostID: "p1", Timestamp: older}
		p2 := core.Post{ID: "p2", PostID: "p2", Timestamp: newer}
		out := fuse(
			[]vectorstore.ScoredPoint{scoredPost(0.9, p1)},
			[]vectorstore.ScoredPoint{scoredPost(4.0, p2)},
			nil, w, 60)

		if out[0].Post.ID != "p2" {
			t.Fatalf("top candidate = %q, want p2 (newer)", out[0].Post.ID)
		}
	})

	t.Run("id_ascending", func(t *testing.T) {
		pa := core.Post{ID: "a", PostID: "a", Timestamp: older}
		pb := core.Post{ID: "b", PostID: "b", Timestamp: older}
		out := fuse(
			[]vectorstore.ScoredPoint{scoredPost(0.9, pb)},
			[]vectorstore.ScoredPoint{scoredPost(4.0, pa)},
			nil, w, 60)

		if out[0].Post.ID != "a" || out[1].Post.ID != "b" {
			t.Fatalf("order = [%s %s], want [a b]", out[0].Post.ID, out[1].Post.ID)
		}
	})
}

func TestFuse_ComponentScoresKeepRawValues(t *testing.T) {
	ts := time.Date(2024, 10, 29, 12, 0, 0, 0, time.UTC)
	p := core.Post{ID: "p", PostID: "p", Timestamp: ts, CredibilityScore: 0.7}

	out := fuse(
		[]vectorstore.ScoredPoint{scoredPost(0.87, p)},
		[]vectorstore.ScoredPoint{scoredPost(12.5, p)},
		nil, Weights{Dense: 0.55, Sparse: 0.25, Credibility: 0.05}, 60)

	cs := out[0].ComponentScores
	if cs.Dense != 0.87 {
		t.Fatalf("Dense = %v, want 0.87", cs.Dense)
	}
	if cs.Sparse != 12.5 {
		t.Fatalf("Sparse = %v, want 12.5", cs.Sparse)
	}
	if cs.Multimodal != 0 {
		t.Fatalf("Multimodal = %v, want 0", cs.Multimodal)
	}
	if cs.Credibility != 0.7 {
		t.Fatalf("Credibility = %v, want 0.7", cs.Credibility)
	}
}

func TestFuse_EmptyInputs(t *testing.T) {
	out := fuse(nil, nil, nil, Weights{Dense: 1}, 60)
	if len(out) != 0 {
		t.Fatalf("fuse(nil, nil, nil) len = %d, want 0", len(out))
	}
}
