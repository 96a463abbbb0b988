package extract

import (
	"strings"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const responseShape = `Respond with ONLY a JSON object of exactly this shape and no other text:
{
  "title": "page title",
  "summary": "two or three sentence summary",
  "key_points": ["point", "..."],
  "topics": ["topic", "..."],
  "code_examples": ["verbatim code", "..."],
  "related_topics": ["topic", "..."]
}
Use empty strings or empty lists when a field does not apply.`

// BuildPrompt renders the single prompt sent to the model. Content beyond
// maxContent characters is cut off.
func BuildPrompt(in crawler.ExtractInput, systemPrompt string, maxContent int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(systemPrompt))
	b.WriteString("\n\n")
	b.WriteString("Title: ")
	b.WriteString(in.Title)
	b.WriteString("\nHeading: ")
	b.WriteString(in.H1)
	b.WriteString("\nDescription: ")
	b.WriteString(in.Description)
	b.WriteString("\n\nContent:\n")
	b.WriteString(truncateRunes(in.Content, maxContent))
	b.WriteString("\n\n")
	b.WriteString(responseShape)
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
