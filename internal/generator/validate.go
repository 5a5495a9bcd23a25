package generator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chronofact/internal/core"
)

// =============================================================================
// SEMANTIC VALIDATION
// =============================================================================

// ValidateTimeline checks a synthesized timeline against the retrieval
// context. Event credibility is never trusted from the model: it is
// recomputed here as the mean of the cited posts' stored scores. The error
// message enumerates every violation so retry prompts carry precise feedback.
func ValidateTimeline(tl *core.Timeline, posts []core.Post, requested int) error {
	known := make(map[string]float64, len(posts)*2)
	for _, p := range posts {
		if p.PostID != "" {
			known[p.PostID] = p.CredibilityScore
		}
		if p.ID != "" {
			known[p.ID] = p.CredibilityScore
		}
	}

	var problems []string
	if len(tl.Events) == 0 {
		problems = append(problems, "the timeline has no events")
	}
	upper := requested
	if len(posts) > upper {
		upper = len(posts)
	}
	if len(tl.Events) > upper {
		problems = append(problems, fmt.Sprintf("the timeline has %d events but at most %d are supported by the context", len(tl.Events), upper))
	}

	unknown := make(map[string]struct{})
	for i := range tl.Events {
		ev := &tl.Events[i]
		if strings.TrimSpace(ev.Summary) == "" {
			problems = append(problems, fmt.Sprintf("event %d has an empty summary", i))
		}
		if i > 0 && ev.Timestamp.Before(tl.Events[i-1].Timestamp) {
			problems = append(problems, fmt.Sprintf("event %d (%s) is earlier than event %d; events must be in chronological order",
				i, ev.Timestamp.UTC().Format(time.RFC3339), i-1))
		}
		if len(ev.Sources) == 0 {
			problems = append(problems, fmt.Sprintf("event %d cites no sources; every event must cite at least one post_id", i))
			continue
		}
		var sum float64
		cited := 0
		for _, src := range ev.Sources {
			score, ok := known[src]
			if !ok {
				unknown[src] = struct{}{}
				continue
			}
			sum += score
			cited++
		}
		if cited > 0 {
			ev.CredibilityScore = clamp01(sum / float64(cited))
		}
	}
	if len(unknown) > 0 {
		ids := make([]string, 0, len(unknown))
		for id := range unknown {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		problems = append(problems, fmt.Sprintf("these sources are not in the provided context: %s; cite only post_id values from the context", strings.Join(ids, ", ")))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ValidateFollowUps drops questions that repeat an already-asked one
// (case-insensitive, whitespace-trimmed) and returns the survivors. It is an
// error only when every generated question is a repeat, since that leaves
// nothing to return.
func ValidateFollowUps(questions []core.FollowUpQuestion, prior []string) ([]core.FollowUpQuestion, error) {
	seen := make(map[string]struct{}, len(prior)+len(questions))
	for _, q := range prior {
		seen[normalizeQuestion(q)] = struct{}{}
	}
	kept := make([]core.FollowUpQuestion, 0, len(questions))
	for _, q := range questions {
		key := normalizeQuestion(q.Question)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, q)
	}
	if len(questions) > 0 && len(kept) == 0 {
		return nil, errors.New("every question repeats one that was already asked; propose questions not in the provided list")
	}
	return kept, nil
}

func normalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// ValidateQueryPlan rejects plans whose refined text is blank, since an
// empty query would match nothing downstream.
func ValidateQueryPlan(plan *core.QueryPlan) error {
	if strings.TrimSpace(plan.RefinedText) == "" {
		return errors.New("refined_text is empty; restate the user's query as a search phrase")
	}
	return nil
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
