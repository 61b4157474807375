package cache

import (
	"regexp"
	"strings"
)

// QueryNormalizer preprocesses queries so that trivially different spellings
// of the same question map to the same exact-match cache key.
type QueryNormalizer interface {
	Normalize(query string) string
}

// defaultNormalizer lowercases, trims, collapses whitespace, and strips
// punctuation except hyphens.
type defaultNormalizer struct {
	whitespaceRegex  *regexp.Regexp
	punctuationRegex *regexp.Regexp
}

// NewQueryNormalizer creates a normalizer with default settings.
func NewQueryNormalizer() QueryNormalizer {
	return &defaultNormalizer{
		whitespaceRegex:  regexp.MustCompile(`\s+`),
		punctuationRegex: regexp.MustCompile(`[^\w\s-]`),
	}
}

// Normalize processes a query for consistent caching. An empty result means
// the query has no cacheable content.
func (n *defaultNormalizer) Normalize(query string) string {
	if query == "" {
		return ""
	}

	normalized := strings.ToLower(query)
	normalized = n.punctuationRegex.ReplaceAllString(normalized, " ")
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}
