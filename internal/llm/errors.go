package llm

import (
	"errors"
	"fmt"
)

var ErrInferenceFailed = errors.New("inference failed")

// Error wraps a provider failure. It always matches ErrInferenceFailed.
type Error struct {
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("inference failed (%s, HTTP %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("inference failed (%s): %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrInferenceFailed }

var errEmptyCompletion = errors.New("empty completion")
