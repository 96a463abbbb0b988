package extract

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const (
	maxTitleRunes    = 100
	excerptRunes     = 200
	longContent      = 1000
	detailedContent  = 5000
	maxFallbackTerms = 5
)

type vocabEntry struct {
	topic   string
	pattern *regexp.Regexp
	related []string
}

func term(topic, pattern string, related ...string) vocabEntry {
	return vocabEntry{topic: topic, pattern: regexp.MustCompile(`(?i)\b(?:` + pattern + `)\b`), related: related}
}

// vocabulary is scanned in order; matches become topics and their
// neighbours become related topics.
var vocabulary = []vocabEntry{
	term("API", `api|apis|endpoint|endpoints|rest`, "HTTP", "Authentication"),
	term("Python", `python|pip|django|flask`, "Programming"),
	term("JavaScript", `javascript|typescript|node\.?js|react|npm`, "Web Development"),
	term("Go", `golang|goroutine|goroutines`, "Programming"),
	term("Databases", `database|databases|sql|postgres|postgresql|mysql|redis`, "Data Storage"),
	term("Containers", `docker|container|containers|kubernetes`, "DevOps"),
	term("Cloud", `cloud|aws|gcp|azure`, "Infrastructure"),
	term("Security", `security|authentication|oauth|encryption|tls`, "Authentication"),
	term("Machine Learning", `machine learning|model|models|llm|neural`, "Artificial Intelligence"),
	term("Installation", `install|installation|setup`, "Getting Started"),
	term("Configuration", `configuration|configure|settings`, "Getting Started"),
	term("Testing", `test|tests|testing`, "Quality"),
	term("Tutorial", `tutorial|guide|walkthrough|how to`, "Documentation"),
}

// Fallback builds the deterministic record used when the model output is
// unusable. It never fails and never returns nil lists.
func Fallback(in crawler.ExtractInput) crawler.ExtractedPage {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSpace(in.H1)
	}

	summary := strings.TrimSpace(in.Description)
	if summary == "" {
		content := strings.TrimSpace(in.Content)
		summary = truncateRunes(content, excerptRunes)
		if summary != content {
			summary += "..."
		}
	}

	keyPoints := []string{}
	if h1 := strings.TrimSpace(in.H1); h1 != "" {
		keyPoints = append(keyPoints, "Main heading: "+h1)
	}
	length := len([]rune(in.Content))
	if length > longContent {
		keyPoints = append(keyPoints, "Page contains long content")
	}
	if length > detailedContent {
		keyPoints = append(keyPoints, "Page contains detailed content")
	}

	topics, related := classify(strings.Join([]string{in.Title, in.H1, in.Description, in.Content}, " "))
	return crawler.ExtractedPage{
		Title:         truncateRunes(title, maxTitleRunes),
		Summary:       summary,
		KeyPoints:     keyPoints,
		Topics:        topics,
		CodeExamples:  []string{},
		RelatedTopics: related,
	}
}

func classify(text string) ([]string, []string) {
	topics := []string{}
	related := []string{}
	seen := make(map[string]bool)
	for _, entry := range vocabulary {
		if len(topics) == maxFallbackTerms {
			break
		}
		if !entry.pattern.MatchString(text) {
			continue
		}
		topics = append(topics, entry.topic)
		seen[entry.topic] = true
	}
	for _, entry := range vocabulary {
		if !seen[entry.topic] {
			continue
		}
		for _, r := range entry.related {
			if len(related) == maxFallbackTerms {
				return topics, related
			}
			if seen[r] {
				continue
			}
			seen[r] = true
			related = append(related, r)
		}
	}
	return topics, related
}
