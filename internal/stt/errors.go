package stt

import (
	"errors"
	"fmt"
)

var (
	ErrFetchFailed         = errors.New("recording fetch failed")
	ErrTranscriptionFailed = errors.New("transcription failed")
)

type Kind string

const (
	KindFetch         Kind = "fetch_failed"
	KindTranscription Kind = "transcription_failed"
)

// Error reports a transcription that could not be produced after the
// configured attempts.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrFetchFailed:
		return e.Kind == KindFetch
	case ErrTranscriptionFailed:
		return e.Kind == KindTranscription
	default:
		return false
	}
}
