package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingModel struct{ calls int }

func (c *countingModel) Generate(context.Context, string, string) (string, error) {
	c.calls++
	return "ok", nil
}

func TestNewLimiterDisabled(t *testing.T) {
	t.Parallel()

	model := &countingModel{}
	require.Same(t, model, NewLimiter(model, 0, 0))
}

func TestLimiterThrottles(t *testing.T) {
	t.Parallel()

	model := &countingModel{}
	limited := NewLimiter(model, 1, 1)

	out, err := limited.Generate(context.Background(), "m", "p")
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limited.Generate(ctx, "m", "p")
	require.Error(t, err)
	require.Equal(t, 1, model.calls)
}
