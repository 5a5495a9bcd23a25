// Package retrieval finds the posts a timeline is built from. It fans out
// dense, sparse, and multimodal sub-queries against the posts collection,
// fuses the ranked lists with reciprocal-rank fusion, and applies a source
// diversity pass so one loud author cannot drown a breaking topic.
package retrieval

import (
	"strings"
	"unicode"
)

// =============================================================================
// TOKENIZER AND BM25 TERM WEIGHTS
// =============================================================================

// BM25 parameters. avgDocLen is assumed at index time; real post lengths
// hover far below it, which keeps short-post scores stable.
const (
	bm25K1    = 1.2
	bm25B     = 0.75
	avgDocLen = 256.0
)

// stopWords are dropped during tokenization. Post text is noisy: URLs
// shred into scheme fragments and "rt"/"via" carry no topical signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"being": true, "this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "as": true, "from": true, "into": true,
	"has": true, "have": true, "had": true, "will": true, "would": true,
	"can": true, "could": true, "should": true, "do": true, "does": true,
	"did": true, "not": true, "no": true, "so": true, "if": true,
	"then": true, "than": true, "there": true, "here": true, "about": true,
	"just": true, "now": true, "out": true, "up": true, "down": true,
	"over": true, "under": true, "we": true, "you": true, "they": true,
	"he": true, "she": true, "my": true, "your": true, "our": true,
	"their": true, "his": true, "her": true, "them": true, "us": true,
	"what": true, "when": true, "where": true, "who": true, "how": true,
	"why": true, "all": true, "some": true, "any": true, "more": true,
	"am": true, "im": true, "dont": true, "cant": true, "wont": true,
	// post noise
	"rt": true, "via": true, "http": true, "https": true, "www": true,
	"co": true, "amp": true,
}

// Tokenize lowercases text and splits on anything that is not a letter or
// digit, dropping stopwords and single characters.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(words))
	for _, word := range words {
		if !stopWords[word] && len(word) > 1 {
			terms = append(terms, word)
		}
	}
	return terms
}

// TermFrequencies counts occurrences per term.
func TermFrequencies(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// DocumentTerms produces the sparse vector stored with a post: the
// document-side BM25 weight per term. The store applies IDF at query time,
// so the product of the two is the full BM25 score.
func DocumentTerms(text string) map[string]float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return map[string]float64{}
	}
	docLen := float64(len(tokens))

	out := make(map[string]float64)
	for term, tf := range TermFrequencies(tokens) {
		numerator := float64(tf) * (bm25K1 + 1)
		denominator := float64(tf) + bm25K1*(1-bm25B+bm25B*(docLen/avgDocLen))
		out[term] = numerator / denominator
	}
	return out
}

// QueryTerms produces the sparse query vector: unit weight per distinct
// term. IDF weighting happens in the store.
func QueryTerms(text string) map[string]float64 {
	tokens := Tokenize(text)
	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		out[t] = 1.0
	}
	return out
}
