package policy

import (
	"regexp"
	"strings"
)

// Replacement is the display name substituted for upstream brand terms.
const Replacement = "叽喳聊天"

// Rule rewrites every case-insensitive occurrence of Pattern.
type Rule struct {
	Pattern     string
	Replacement string
}

var defaultRules = []Rule{
	{Pattern: "chat GPT", Replacement: Replacement},
	{Pattern: "chatGPT", Replacement: Replacement},
	{Pattern: "open AI", Replacement: Replacement},
	{Pattern: "openAI", Replacement: Replacement},
}

// DefaultFilter applies the canonical rule set.
var DefaultFilter = NewFilter(defaultRules)

// Rules returns a copy of the canonical rule set in application order.
func Rules() []Rule {
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// ContentFilter rewrites text with an ordered list of rules.
// Rules are applied one after another over the whole input, so earlier
// rules win when patterns overlap.
type ContentFilter struct {
	rules []compiledRule
}

func NewFilter(rules []Rule) *ContentFilter {
	f := &ContentFilter{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		f.rules = append(f.rules, compiledRule{
			Rule: r,
			re:   regexp.MustCompile(`(?i)` + regexp.QuoteMeta(r.Pattern)),
		})
	}
	return f
}

// Apply filters text. Rewriting already-filtered text is a no-op as long as
// no replacement contains a pattern.
func (f *ContentFilter) Apply(text string) string {
	if text == "" || f == nil {
		return text
	}
	out := text
	for _, r := range f.rules {
		out = r.re.ReplaceAllLiteralString(out, r.Replacement)
	}
	return out
}

// pendingPrefixLen returns the byte length of the longest suffix of text that
// could still grow into a match of some pattern.
func (f *ContentFilter) pendingPrefixLen(text string) int {
	best := 0
	for _, r := range f.rules {
		max := len(r.Pattern) - 1
		if max > len(text) {
			max = len(text)
		}
		for n := max; n > best; n-- {
			if strings.EqualFold(text[len(text)-n:], r.Pattern[:n]) {
				best = n
				break
			}
		}
	}
	return best
}

// Filter applies the canonical rule set.
func Filter(text string) string {
	return DefaultFilter.Apply(text)
}
