package usecase

import "regexp"

// Classifier matches replies against a closed, ordered set of categories.
// Patterns are compiled once at construction.
type Classifier struct {
	matchers []categoryMatcher
}

type categoryMatcher struct {
	category string
	pattern  *regexp.Regexp
}

// NewClassifier compiles one pattern per non-empty category, keeping the
// declared order.
func NewClassifier(categories []string) *Classifier {
	c := &Classifier{matchers: make([]categoryMatcher, 0, len(categories))}
	for _, category := range categories {
		if category == "" {
			continue
		}
		c.matchers = append(c.matchers, categoryMatcher{category: category, pattern: categoryPattern(category)})
	}
	return c
}

// Match returns the first category, in declared order, that appears in
// reply as a whole token: preceded by whitespace (or the start of the text)
// and not followed by a letter or digit.
func (c *Classifier) Match(reply string) (string, bool) {
	for _, m := range c.matchers {
		if m.pattern.MatchString(reply) {
			return m.category, true
		}
	}
	return "", false
}

// Classify is a one-off Match against categories.
func Classify(reply string, categories []string) (string, bool) {
	return NewClassifier(categories).Match(reply)
}

func categoryPattern(category string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(category) + `(?:[^\p{L}\p{N}]|$)`)
}
