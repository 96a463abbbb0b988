// Package redis keeps tasks and results in Redis so several instances can
// share one registry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// NewClient dials Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrEmptyAddress
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "crawldigest"
	}
	return keys{prefix: prefix}
}

func (k keys) task(id string) string   { return k.prefix + ":task:" + id }
func (k keys) result(id string) string { return k.prefix + ":result:" + id }
func (k keys) resultIndex() string     { return k.prefix + ":results" }
