package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const wellFormed = `{"title":"T","summary":"S","key_points":["a"],"topics":["b"],"code_examples":[],"related_topics":["c"]}`

func TestParseStrategies(t *testing.T) {
	t.Parallel()

	want := crawler.ExtractedPage{
		Title:         "T",
		Summary:       "S",
		KeyPoints:     []string{"a"},
		Topics:        []string{"b"},
		CodeExamples:  []string{},
		RelatedTopics: []string{"c"},
	}
	tests := []struct {
		name     string
		raw      string
		strategy string
	}{
		{name: "direct", raw: wellFormed, strategy: "direct"},
		{name: "direct with whitespace", raw: "\n  " + wellFormed + "\n", strategy: "direct"},
		{name: "fenced", raw: "Here you go:\n```json\n" + wellFormed + "\n```\nHope it helps.", strategy: "fenced"},
		{name: "bare span", raw: "Sure! " + wellFormed + " Let me know.", strategy: "span"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, strategy, err := Parse(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.strategy, strategy)
			require.Equal(t, want, got)
		})
	}
}

func TestParseFencedBeatsBrokenSpan(t *testing.T) {
	t.Parallel()

	raw := "Output {not json}\n```json\n{\"title\":\"Fenced\"}\n```"
	got, strategy, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "fenced", strategy)
	require.Equal(t, "Fenced", got.Title)
	require.NotNil(t, got.KeyPoints)
}

func TestParseFailures(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"I could not summarise this page.",
		"",
		`{"unrelated": true}`,
		"```json\nnot json\n```",
		"[1, 2, 3]",
	} {
		_, _, err := Parse(raw)
		require.Error(t, err, raw)
	}
}

func TestParseCoercesValues(t *testing.T) {
	t.Parallel()

	got, _, err := Parse(`{"title": 42, "key_points": ["x", 3, {"k": "v"}, null, ""], "topics": "solo", "summary": null}`)
	require.NoError(t, err)
	require.Equal(t, "42", got.Title)
	require.Empty(t, got.Summary)
	require.Equal(t, []string{"x", "3", `{"k":"v"}`}, got.KeyPoints)
	require.Equal(t, []string{"solo"}, got.Topics)
	require.Equal(t, []string{}, got.CodeExamples)
	require.Equal(t, []string{}, got.RelatedTopics)
}
