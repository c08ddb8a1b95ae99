package eta

import (
	"errors"
	"fmt"

	"buseta/internal/store"
)

var (
	// ErrNotFound means a referenced session, line, stop, ETA or arrival does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation means the request cannot be computed from the given inputs.
	ErrValidation = errors.New("validation failed")
)

// notFound turns a repository miss into ErrNotFound with the entity named.
// Other errors pass through unchanged.
func notFound(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

func validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}
