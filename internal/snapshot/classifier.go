package snapshot

import (
	"regexp"
	"strings"
)

// RuleClassifier is the default classifier, matching raw log lines against
// a fixed rule table. Rules are checked in order; first match wins.
type RuleClassifier struct {
	rules []classifierRule
}

type classifierRule struct {
	regex    *regexp.Regexp
	category Category
}

// NewRuleClassifier builds the default rule table for extraction agent logs.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		rules: []classifierRule{
			{regexp.MustCompile(`(?i)HTTP\s*429|too many requests|rate.?limit`), CategoryRateLimited},
			{regexp.MustCompile(`(?i)HTTP\s*40[34]|forbidden|access denied|blocked`), CategoryBlocked},
			{regexp.MustCompile(`(?i)url (fetch|open|request) (error|failed)|connection (reset|refused|timed out)`), CategoryURLFetchError},
			{regexp.MustCompile(`(?i)(no|zero) (title|result)s? (found|matched)|title match fail`), CategoryTitleMatchFailure},
			{regexp.MustCompile(`(?i)model (read|load) (error|failed)|corrupt(ed)? model`), CategoryModelReadError},
			{regexp.MustCompile(`(?i)title (found|matched)`), CategoryTitleFound},
			{regexp.MustCompile(`(?i)search (started|issued|for)`), CategorySearchOp},
		},
	}
}

// Classify maps a raw event to a category. Events matching no rule are
// excluded from aggregation.
func (c *RuleClassifier) Classify(ev Event) (Category, bool) {
	for _, rule := range c.rules {
		if rule.regex.MatchString(ev.Message) {
			return rule.category, true
		}
	}
	return "", false
}

var (
	tsPattern     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?`)
	threadPattern = regexp.MustCompile(`\([a-f0-9]{6,}\)`)
	quotedPattern = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	numPattern    = regexp.MustCompile(`\b\d+\b`)
)

// PatternKey normalizes a log line for deduplication: timestamps, thread
// IDs, quoted strings and numbers are replaced with placeholders so that
// repeated occurrences of the same failure collapse to one key.
func PatternKey(line string) string {
	key := tsPattern.ReplaceAllString(line, "[TS]")
	key = threadPattern.ReplaceAllString(key, "[THREAD]")
	key = quotedPattern.ReplaceAllString(key, "[STR]")
	key = numPattern.ReplaceAllString(key, "[NUM]")
	return strings.TrimSpace(key)
}
