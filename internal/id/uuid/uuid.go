// Package uuid mints generation and task identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings. Version 7 sorts by creation time, so
// generation indices listed by name come back oldest first.
type Generator struct {
	compact bool
}

// New returns a Generator producing canonical hyphenated UUIDs.
func New() *Generator {
	return &Generator{}
}

// NewCompact returns a Generator that strips hyphens. Elasticsearch index
// names built from these stay short and free of separators used in alias
// patterns.
func NewCompact() *Generator {
	return &Generator{compact: true}
}

// NewID returns a UUIDv7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.compact {
		return strings.ReplaceAll(id.String(), "-", ""), nil
	}
	return id.String(), nil
}
