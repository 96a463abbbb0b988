// Package ollama adapts the Ollama API client to the pipeline's language
// model and model lister interfaces.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultTimeout bounds one generate or list call.
const DefaultTimeout = 60 * time.Second

// Client implements crawler.LanguageModel and crawler.ModelLister.
type Client struct {
	api *api.Client
}

// New builds a client for baseURL (for example http://localhost:11434).
func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ollama base url is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("ollama base url %q is invalid", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{api: api.NewClient(base, &http.Client{Timeout: timeout})}, nil
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{Model: model, Prompt: prompt, Stream: &stream}

	var out strings.Builder
	err := c.api.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.String(), nil
}

// Models lists locally installed models.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama tags: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
