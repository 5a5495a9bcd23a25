package generator

import (
	"fmt"
	"strings"
	"time"

	"chronofact/internal/core"
)

// =============================================================================
// PROMPTS
// =============================================================================

// Factual synthesis prompts carry a context block and the directive to stay
// inside it. Prompt text lives here so the functions in generator.go read as
// schema + prompt + validator triples.

const processQuerySystemPrompt = `You interpret news-investigation queries.
Extract the entities, locations, and time window the query implies, and
rewrite it as a short search-optimized text. Locations are lowercase place
names. Omit time_range entirely when the query implies no time window.`

const timelineSystemPrompt = `You are a fact-grounded timeline builder.
Construct a chronological timeline of events from social media posts.
Only use the provided context; never invent events, sources, or details
that are not in it. Cite every event's sources by post_id from the
context. Order events by ascending timestamp (RFC3339).`

const misinfoSystemPrompt = `You analyze short texts for misinformation
signals: emotional manipulation, unverifiable claims, missing sources,
urgency pressure, conspiracy framing. Report the patterns you find and an
overall risk level.`

const followUpSystemPrompt = `You suggest follow-up questions for a news
investigation. Questions must be specific to the investigated topic and
answerable from social media evidence. Never repeat a question the user
has already been offered.`

const credibilitySystemPrompt = `You assess the credibility of a social
media post. Weigh author verification, engagement pattern, language
signals, and specificity. Only use the provided information; do not
assume facts about the author or event beyond it.`

const recommendSystemPrompt = `You recommend next investigative actions
for a news query: searches to run, sources to verify, angles to pursue.
Each recommendation is a concrete action with a reason.`

const visionSystemPrompt = `You describe news imagery for search. State
what the image shows in one or two factual sentences and list the
concrete entities visible. Only describe what is actually in the image.`

func buildProcessQueryPrompt(rawQuery string) string {
	return fmt.Sprintf("Query: %s\nToday is %s.", rawQuery, time.Now().UTC().Format("2006-01-02"))
}

// buildContextBlock renders retrieval results for the prompt. One line of
// metadata then the text per post, in the retriever's ranked order.
func buildContextBlock(posts []core.Post) string {
	var b strings.Builder
	b.WriteString("CONTEXT POSTS:\n")
	for _, p := range posts {
		fmt.Fprintf(&b, "---\npost_id: %s\nauthor: %s (verified: %t)\ntimestamp: %s\ncredibility: %.2f\n",
			p.PostID, p.Author, p.AuthorVerified, p.Timestamp.UTC().Format(time.RFC3339), p.CredibilityScore)
		if p.Location != "" {
			fmt.Fprintf(&b, "location: %s\n", p.Location)
		}
		if p.ImageCaption != "" {
			fmt.Fprintf(&b, "image: %s\n", p.ImageCaption)
		}
		fmt.Fprintf(&b, "text: %s\n", p.Text)
	}
	b.WriteString("---\n")
	return b.String()
}

func buildTimelinePrompt(query string, posts []core.Post, n int) string {
	var b strings.Builder
	b.WriteString(buildContextBlock(posts))
	fmt.Fprintf(&b, "\nQuery: %s\n", query)
	fmt.Fprintf(&b, "Build a timeline of %d events (fewer only if the context cannot support %d distinct events).\n", n, n)
	b.WriteString("Each event cites the post_id values it is derived from. Use only the context above.\n")
	return b.String()
}

func buildMisinfoPrompt(text string) string {
	return fmt.Sprintf("Analyze this text for misinformation patterns:\n\n%s", text)
}

func buildFollowUpPrompt(originalQuery, timelineSummary string, prior []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n\nTimeline summary:\n%s\n", originalQuery, timelineSummary)
	if len(prior) > 0 {
		b.WriteString("\nAlready asked (do NOT repeat these):\n")
		for _, q := range prior {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	b.WriteString("\nSuggest 3 to 5 new follow-up questions.\n")
	return b.String()
}

func buildCredibilityPrompt(text, author, engagement string) string {
	if author == "" {
		author = "Unknown"
	}
	if engagement == "" {
		engagement = "No engagement data"
	}
	return fmt.Sprintf("Post text:\n%s\n\nAuthor: %s\nEngagement: %s", text, author, engagement)
}

func buildRecommendPrompt(query string, limit int) string {
	return fmt.Sprintf("Query under investigation: %s\n\nSuggest %d recommendations.", query, limit)
}

func buildVisionPrompt(topic string) string {
	if topic == "" {
		return "Describe this image for a news search."
	}
	return fmt.Sprintf("Describe this image in the context of: %s", topic)
}
