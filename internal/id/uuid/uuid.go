// Package uuid generates run and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// MustNewID is NewID for callers that cannot handle an error, such as request
// middleware. It falls back to a random v4 UUID.
func (g Generator) MustNewID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}
