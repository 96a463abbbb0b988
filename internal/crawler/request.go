package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate rejects requests that must never reach a backend.
func (r CrawlRequest) Validate() error {
	if len(r.URLs) == 0 {
		return &ValidationError{Field: "urls", Reason: "no URLs provided"}
	}
	for i, raw := range r.URLs {
		if _, err := ParseTarget(raw); err != nil {
			return &ValidationError{Field: fmt.Sprintf("urls[%d]", i), Reason: err.Error()}
		}
	}
	if r.Depth < 0 {
		return &ValidationError{Field: "depth", Reason: "must be >= 0"}
	}
	if r.MaxPages < 0 {
		return &ValidationError{Field: "max_pages", Reason: "must be >= 0"}
	}
	return nil
}

// Normalize trims URLs, drops blanks and applies defaults.
func (r CrawlRequest) Normalize(defaults RequestDefaults) CrawlRequest {
	out := r
	out.URLs = make([]string, 0, len(r.URLs))
	for _, raw := range r.URLs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out.URLs = append(out.URLs, trimmed)
		}
	}
	if out.Depth == 0 {
		out.Depth = defaults.Depth
	}
	if out.MaxPages == 0 {
		out.MaxPages = defaults.MaxPages
	}
	if strings.TrimSpace(out.Model) == "" {
		out.Model = defaults.Model
	}
	if strings.TrimSpace(out.SystemPrompt) == "" {
		out.SystemPrompt = defaults.SystemPrompt
	}
	return out
}

// ParseTarget parses an absolute http(s) URL.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// CheckUpdate rejects task mutations that break the lifecycle: a terminal
// task never changes, and status moves must follow CanTransition.
func CheckUpdate(before, after CrawlTask) error {
	if before.Status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", before.ID, before.Status, ErrInvalidTransition)
	}
	if after.ID != before.ID {
		return fmt.Errorf("task id changed from %s to %s: %w", before.ID, after.ID, ErrInvalidTransition)
	}
	if after.Status != before.Status && !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("task %s: %s -> %s: %w", before.ID, before.Status, after.Status, ErrInvalidTransition)
	}
	return nil
}
