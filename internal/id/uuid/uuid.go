// Package uuid generates task and result identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings so task ids sort by submission.
type Generator struct {
	prefix string
}

// NewUUIDGenerator creates a Generator with no prefix.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewPrefixed creates a Generator whose ids carry a short prefix such as "job-".
func NewPrefixed(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUIDv7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
