package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New("sk-test", 256, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)
	return c
}

func TestGenerateJoinsTextBlocks(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-test", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "claude-test", body["model"])
		require.EqualValues(t, 256, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "{\"title\":"}, {"type": "text", "text": "\"T\"}"}],
			"stop_reason": "end_turn", "usage": {"input_tokens": 3, "output_tokens": 4}
		}`))
	})

	out, err := c.Generate(context.Background(), "claude-test", "summarize")
	require.NoError(t, err)
	require.Equal(t, `{"title":"T"}`, out)
}

func TestGenerateError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
	})

	_, err := c.Generate(context.Background(), "claude-test", "summarize")
	require.ErrorContains(t, err, "anthropic messages")
}

func TestModels(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [{"id": "claude-a", "type": "model", "display_name": "A", "created_at": "2025-01-01T00:00:00Z"}],
			"has_more": false, "first_id": "claude-a", "last_id": "claude-a"
		}`))
	})

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"claude-a"}, models)
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New("", 0)
	require.Error(t, err)
}
