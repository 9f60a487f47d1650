// Package uuid provides run ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator creates UUID v7 strings. Run IDs sort by creation time, which
// keeps report filenames in chronological order.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string, falling back to v4 if the monotonic
// source fails.
func (Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
