package retrieval

import "math"

// =============================================================================
// SOURCE DIVERSITY
// =============================================================================

// DiversityParams cap how much of the output one author or source domain
// may occupy. Caps are soft: a violating candidate stays when no
// replacement scoring at least MinReplacementRatio of it exists.
type DiversityParams struct {
	Enabled             bool
	MaxAuthorRatio      float64
	MaxDomainRatio      float64
	MinReplacementRatio float64
}

// DefaultDiversityParams returns the production caps.
func DefaultDiversityParams() DiversityParams {
	return DiversityParams{
		Enabled:             true,
		MaxAuthorRatio:      0.30,
		MaxDomainRatio:      0.40,
		MinReplacementRatio: 0.85,
	}
}

// selectDiverse picks up to limit candidates from the fused ranking.
// It walks in rank order and skips a candidate whose author or domain
// would exceed its cap, provided some lower-ranked candidate fits the
// caps and scores at least MinReplacementRatio of the skipped one.
// Posts without a source domain are exempt from the domain cap. When
// the caps cannot fill every slot, skipped candidates are re-admitted
// rather than returning a short list.
func selectDiverse(candidates []Candidate, limit int, p DiversityParams) []Candidate {
	if limit <= 0 || len(candidates) == 0 {
		return nil
	}
	if !p.Enabled {
		if len(candidates) > limit {
			return candidates[:limit]
		}
		return candidates
	}

	authorCap := ratioCap(limit, p.MaxAuthorRatio)
	domainCap := ratioCap(limit, p.MaxDomainRatio)

	authorCount := make(map[string]int)
	domainCount := make(map[string]int)
	taken := make([]bool, len(candidates))
	var skipped []int
	out := make([]Candidate, 0, limit)

	fits := func(c Candidate) bool {
		if c.Post.Author != "" && authorCount[c.Post.Author]+1 > authorCap {
			return false
		}
		if c.Post.SourceDomain != "" && domainCount[c.Post.SourceDomain]+1 > domainCap {
			return false
		}
		return true
	}

	take := func(i int) {
		taken[i] = true
		c := candidates[i]
		if c.Post.Author != "" {
			authorCount[c.Post.Author]++
		}
		if c.Post.SourceDomain != "" {
			domainCount[c.Post.SourceDomain]++
		}
		out = append(out, c)
	}

	for i := 0; i < len(candidates) && len(out) < limit; i++ {
		if taken[i] {
			continue
		}
		c := candidates[i]
		if fits(c) {
			take(i)
			continue
		}

		// Look for a good-enough replacement below this rank.
		floor := p.MinReplacementRatio * c.FusedScore
		replaced := false
		for j := i + 1; j < len(candidates); j++ {
			if taken[j] {
				continue
			}
			r := candidates[j]
			if r.FusedScore < floor {
				break
			}
			if fits(r) {
				take(j)
				replaced = true
				break
			}
		}
		if replaced {
			skipped = append(skipped, i)
		} else {
			// Cap is soft when nothing comparable remains.
			take(i)
		}
	}

	// The caps starved some slots; re-admit skipped candidates in rank
	// order so the list stays full whenever enough candidates exist.
	for _, i := range skipped {
		if len(out) >= limit {
			break
		}
		if !taken[i] {
			take(i)
		}
	}

	sortCandidates(out)
	return out
}

// ratioCap converts a ratio of the output size into a count, at least 1.
func ratioCap(limit int, ratio float64) int {
	n := int(math.Floor(float64(limit) * ratio))
	if n < 1 {
		n = 1
	}
	return n
}
