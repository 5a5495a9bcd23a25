// Package credibility provides local, model-free credibility signals:
// regex-based manipulation pattern scanning and engagement scoring. The
// detect handler merges scanned patterns into the LLM's misinformation
// analysis; the verify handler formats engagement for the assessment prompt.
package credibility

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// MANIPULATION PATTERN SCAN
// =============================================================================

// capsMinLength exempts short texts from the all-caps check, where a few
// capitals dominate the ratio without meaning anything.
const capsMinLength = 20

// capsRatioThreshold flags texts that are mostly uppercase.
const capsRatioThreshold = 0.5

// emotionalPatterns are manipulation markers scanned case-insensitively.
// Each pair is (compiled pattern, the label reported when it matches).
var emotionalPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`!!!+`), "repeated exclamation marks"},
	{regexp.MustCompile(`\?\?\?+`), "repeated question marks"},
	{regexp.MustCompile(`(?i)\bBREAKING\b`), "breaking-news framing"},
	{regexp.MustCompile(`(?i)\bURGENT\b`), "urgency pressure"},
	{regexp.MustCompile(`(?i)\bSHOCKING\b`), "shock framing"},
	{regexp.MustCompile(`(?i)you won'?t believe`), "clickbait hook"},
	{regexp.MustCompile(`(?i)they don'?t want you to know`), "conspiracy framing"},
	{regexp.MustCompile(`(?i)share before`), "share pressure"},
	{regexp.MustCompile(`(?i)\bwake up\b`), "awakening rhetoric"},
	{regexp.MustCompile(`(?i)open your eyes`), "awakening rhetoric"},
}

// polarizingTerms are absolutist or inflammatory words matched as whole
// words on the lowercased text.
var polarizingTerms = []string{
	"always", "never", "everyone", "nobody", "worst", "best",
	"destroy", "catastrophe", "miracle", "conspiracy",
}

// ScanPatterns returns the manipulation patterns present in text, in a
// stable order with no duplicates. An empty result means the local scan
// found nothing; it does not clear the text.
func ScanPatterns(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var found []string
	seen := make(map[string]struct{})
	add := func(label string) {
		if _, dup := seen[label]; dup {
			return
		}
		seen[label] = struct{}{}
		found = append(found, label)
	}

	for _, p := range emotionalPatterns {
		if p.re.MatchString(text) {
			add(p.label)
		}
	}

	words := fieldsLower(text)
	for _, term := range polarizingTerms {
		if _, ok := words[term]; ok {
			add(fmt.Sprintf("polarizing term %q", term))
		}
	}

	if isExcessiveCaps(text) {
		add("excessive capitalization")
	}
	return found
}

// MergePatterns combines locally scanned patterns with the model's,
// dropping case-insensitive duplicates while keeping the model's order
// first. The LLM's wording wins when both report the same pattern.
func MergePatterns(model, scanned []string) []string {
	out := make([]string, 0, len(model)+len(scanned))
	seen := make(map[string]struct{}, len(model)+len(scanned))
	for _, lists := range [][]string{model, scanned} {
		for _, p := range lists {
			key := strings.ToLower(strings.TrimSpace(p))
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func fieldsLower(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func isExcessiveCaps(text string) bool {
	runes := []rune(text)
	if len(runes) <= capsMinLength {
		return false
	}
	upper := 0
	for _, r := range runes {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper)/float64(len(runes)) > capsRatioThreshold
}

// =============================================================================
// ENGAGEMENT SCORING
// =============================================================================

// EngagementScore converts raw interaction counts into a [0,1] score on a
// log scale, so viral posts saturate instead of dominating. Retweets carry
// double weight and replies triple, since they cost the audience more than
// a like does.
func EngagementScore(faves, retweets, replies int) float64 {
	if faves < 0 {
		faves = 0
	}
	if retweets < 0 {
		retweets = 0
	}
	if replies < 0 {
		replies = 0
	}
	total := float64(faves + 2*retweets + 3*replies)
	score := math.Log10(total+1) / 6
	if score > 1 {
		return 1
	}
	return score
}

// FormatEngagement renders counts for the credibility assessment prompt.
func FormatEngagement(faves, retweets, replies int) string {
	return fmt.Sprintf("%d likes, %d retweets, %d replies (engagement score %.3f)",
		faves, retweets, replies, EngagementScore(faves, retweets, replies))
}
