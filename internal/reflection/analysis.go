package reflection

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`\w+`)

var topicPatterns = []*regexp.Regexp{
	// Capitalized 1-3 word phrases.
	regexp.MustCompile(`(?:the\s+)?([A-Z][a-z]+(?:\s+[a-z]+){0,2})`),
	// 2-3 word lowercase phrases.
	regexp.MustCompile(`(?:the\s+)?([a-z]+\s+[a-z]+(?:\s+[a-z]+)?)`),
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"to": {}, "of": {}, "for": {}, "with": {}, "by": {}, "about": {},
	"against": {}, "between": {}, "into": {}, "through": {}, "during": {},
	"before": {}, "after": {}, "above": {}, "below": {}, "from": {}, "up": {},
	"down": {}, "in": {}, "out": {}, "on": {}, "off": {}, "over": {},
	"under": {}, "again": {}, "further": {}, "then": {}, "once": {},
	"here": {}, "there": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"all": {}, "any": {}, "both": {}, "each": {}, "few": {}, "more": {},
	"most": {}, "other": {}, "some": {}, "such": {}, "no": {}, "nor": {},
	"not": {}, "only": {}, "own": {}, "same": {}, "so": {}, "than": {},
	"too": {}, "very": {}, "can": {}, "will": {}, "just": {}, "should": {},
	"now": {},
}

// extractKeyTerms lowercases text and drops stop words and short tokens.
func extractKeyTerms(text string) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)

	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		terms = append(terms, w)
	}

	return terms
}

// extractQueryTopics pulls candidate noun phrases from a query, falling
// back to its key terms when no phrase pattern matches.
func extractQueryTopics(query string) []string {
	seen := make(map[string]struct{})
	topics := []string{}

	for _, pattern := range topicPatterns {
		for _, match := range pattern.FindAllStringSubmatch(query, -1) {
			topic := match[1]
			if _, dup := seen[topic]; dup {
				continue
			}
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	if len(topics) == 0 {
		terms := extractKeyTerms(query)
		if len(terms) > 3 {
			terms = terms[:3]
		}
		topics = terms
	}

	return topics
}

// termOverlap is the fraction of query terms present in the result
// terms, zero when the query has no terms.
func termOverlap(queryTerms, resultTerms map[string]struct{}) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	matched := 0
	for term := range queryTerms {
		if _, ok := resultTerms[term]; ok {
			matched++
		}
	}

	return float64(matched) / float64(len(queryTerms))
}

func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}
