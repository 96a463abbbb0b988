package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

var (
	errNoCandidate = errors.New("no candidate found")
	errNotPage     = errors.New("json has none of the expected keys")

	fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)[ \t]*\n?(.*?)```")

	knownKeys = []string{"title", "summary", "key_points", "topics", "code_examples", "related_topics"}
)

// strategy pulls a JSON candidate out of a raw model response.
type strategy struct {
	name string
	find func(raw string) (string, bool)
}

// strategies run in order; the first candidate that decodes wins.
var strategies = []strategy{
	{name: "direct", find: func(raw string) (string, bool) { return strings.TrimSpace(raw), true }},
	{name: "fenced", find: fencedBlock},
	{name: "span", find: braceSpan},
}

// Parse decodes a model response into an ExtractedPage. It returns the name
// of the winning strategy, or an error when every strategy fails.
func Parse(raw string) (crawler.ExtractedPage, string, error) {
	var errs []error
	for _, s := range strategies {
		candidate, ok := s.find(raw)
		if !ok {
			errs = append(errs, errors.Join(errors.New(s.name), errNoCandidate))
			continue
		}
		page, err := decode(candidate)
		if err != nil {
			errs = append(errs, errors.Join(errors.New(s.name), err))
			continue
		}
		return page, s.name, nil
	}
	return crawler.ExtractedPage{}, "", errors.Join(errs...)
}

func fencedBlock(raw string) (string, bool) {
	m := fencedJSON.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func braceSpan(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func decode(candidate string) (crawler.ExtractedPage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return crawler.ExtractedPage{}, err
	}
	matched := false
	for _, key := range knownKeys {
		if _, ok := fields[key]; ok {
			matched = true
			break
		}
	}
	if !matched {
		return crawler.ExtractedPage{}, errNotPage
	}
	page := crawler.ExtractedPage{
		Title:         stringValue(fields["title"]),
		Summary:       stringValue(fields["summary"]),
		KeyPoints:     listValue(fields["key_points"]),
		Topics:        listValue(fields["topics"]),
		CodeExamples:  listValue(fields["code_examples"]),
		RelatedTopics: listValue(fields["related_topics"]),
	}
	return page.Normalize(), nil
}

// stringValue accepts a JSON string; other values are kept as compact JSON.
func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// listValue accepts an array of arbitrary values or a lone string.
func listValue(raw json.RawMessage) []string {
	out := []string{}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if s := stringValue(raw); s != "" {
			out = append(out, s)
		}
		return out
	}
	for _, item := range items {
		if s := stringValue(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
