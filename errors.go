package videoimport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyStream is returned when the source produced no bytes at all.
	ErrEmptyStream = errors.New("no data was downloaded from the source")

	// ErrCapacityExceeded is returned when every upload slot is busy.
	// Callers should treat it as "try again later".
	ErrCapacityExceeded = errors.New("server is at maximum concurrent upload capacity")

	// ErrTaskExists is returned when a task id is already being processed.
	ErrTaskExists = errors.New("task is already in progress")

	// ErrProgressNotFound is returned by a ProgressStore for unknown or expired tasks.
	ErrProgressNotFound = errors.New("progress not found")

	// ErrInvalidURL is returned for import URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("url must be an absolute http or https url")

	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("importer is shutting down")
)

// ExtractionError is returned when a source URL could not be resolved to metadata.
type ExtractionError struct {
	URL    string
	Stderr string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("failed to extract video info for %q", e.URL)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := lastLines(e.Stderr, 3); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ProcessError is returned when the source download process exits non-zero.
type ProcessError struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Cmd)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s failed with exit code %d", e.Cmd, e.ExitCode)
	}
	if s := lastLines(e.Stderr, 3); s != "" {
		return msg + ": " + s
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// StagingError is returned when a block could not be staged within the retry budget.
type StagingError struct {
	Blob     string
	BlockID  string
	Attempts int
	Err      error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("failed to stage block %s of %s after %d attempt(s): %v", e.BlockID, e.Blob, e.Attempts, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Temporary reports whether the underlying storage error looked transient.
func (e *StagingError) Temporary() bool {
	return isRetryableError(e.Err)
}

// lastLines keeps error messages readable when tools dump long stderr output.
func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
