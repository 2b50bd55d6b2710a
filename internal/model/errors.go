package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	ErrSourceUnavailable = errors.New("snapshot source unavailable")
)

// MalformedSnapshotError reports a payload that could not be decoded.
type MalformedSnapshotError struct {
	Timestamp time.Time
	Err       error
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed snapshot at %s: %v", e.Timestamp.UTC().Format(time.RFC3339), e.Err)
}

func (e *MalformedSnapshotError) Unwrap() error { return e.Err }

func (e *MalformedSnapshotError) Is(target error) bool { return target == ErrMalformedSnapshot }

func invalidQuery(format string, args ...any) error {
	return errors.Join(ErrInvalidQuery, fmt.Errorf(format, args...))
}
