package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRewritesEveryCaseVariant(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"I am chatGPT", "I am 叽喳聊天"},
		{"I am CHATgpt.", "I am 叽喳聊天."},
		{"chat GPT by Open AI", "叽喳聊天 by 叽喳聊天"},
		{"OPENAI and openai and OpenAi", "叽喳聊天 and 叽喳聊天 and 叽喳聊天"},
		{"nothing to see", "nothing to see"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Filter(tc.in), "Filter(%q)", tc.in)
	}
}

func TestFilterLeavesNoPatterns(t *testing.T) {
	inputs := []string{
		"ChatGpt chat gpt CHAT GPT openai OpEn Ai",
		"xxchatGPTxx-openAI-open AI",
		"chatchatGPTGPT",
	}
	for _, in := range inputs {
		out := strings.ToLower(Filter(in))
		for _, r := range Rules() {
			assert.NotContains(t, out, strings.ToLower(r.Pattern), "input %q", in)
		}
		assert.Contains(t, out, Replacement)
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	for _, in := range []string{"Hello, I am chatGPT from open AI", "plain", "openAIopenAI"} {
		once := Filter(in)
		assert.Equal(t, once, Filter(once))
	}
}

func TestFilterRuleOrderPrefersSpacedVariantFirst(t *testing.T) {
	rules := Rules()
	require.Len(t, rules, 4)
	assert.Equal(t, "chat GPT", rules[0].Pattern)
	assert.Equal(t, "openAI", rules[3].Pattern)
}

func TestStreamFilterCatchesSplitMatches(t *testing.T) {
	cases := [][]string{
		{"Hello from open", "AI today"},
		{"I am cha", "t", "GPT!"},
		{"chat ", "GPT"},
		{"op", "en", " ", "AI"},
		{"no match here", " at all"},
		{"ending with open"},
	}
	for _, deltas := range cases {
		sf := NewStreamFilter(nil)
		var b strings.Builder
		for _, d := range deltas {
			b.WriteString(sf.Consume(d))
		}
		b.WriteString(sf.Finalize())
		assert.Equal(t, Filter(strings.Join(deltas, "")), b.String(), "deltas %q", deltas)
	}
}

func TestStreamFilterEmitsEagerlyWhenNoPrefixPending(t *testing.T) {
	sf := NewStreamFilter(nil)
	assert.Equal(t, "Hello ", sf.Consume("Hello "))
	assert.Equal(t, "world ", sf.Consume("world open"))
	assert.Equal(t, "叽喳聊天", sf.Consume("AI"))
	assert.Equal(t, "", sf.Finalize())
}
