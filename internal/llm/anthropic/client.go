// Package anthropic adapts the Anthropic Messages API to crawler.LanguageModel.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 1024

// Client implements crawler.LanguageModel and crawler.ModelLister.
type Client struct {
	api       sdk.Client
	maxTokens int64
}

// New builds a client. Extra options (base URL, HTTP client) are passed to
// the SDK after the API key.
func New(apiKey string, maxTokens int, opts ...option.RequestOption) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{api: sdk.NewClient(all...), maxTokens: int64(maxTokens)}, nil
}

// Generate sends prompt as a single user message and joins the text blocks
// of the reply.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: c.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// Models lists the model IDs available to the API key.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	page, err := c.api.Models.List(ctx, sdk.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("anthropic models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
