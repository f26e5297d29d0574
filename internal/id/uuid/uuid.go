// Package uuid generates and validates crawl job ids.
package uuid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidID is returned by Parse for strings that are not job ids.
var ErrInvalidID = errors.New("invalid job id")

// Generator creates time-ordered UUIDv7 job ids, so listing ids lexically
// also lists jobs by start time.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Parse validates a job id and returns its canonical lowercase form.
func Parse(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidID, raw, err)
	}
	return id.String(), nil
}
