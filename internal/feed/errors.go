package feed

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNilUsers is the only error that aborts a poll cycle as a whole.
	ErrNilUsers = errors.New("poll: nil user list")
	// ErrPollInProgress is returned when a cycle is still running.
	ErrPollInProgress = errors.New("poll: previous cycle still running")
)

// FailureReason classifies why a channel failed in a cycle.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonTransport         FailureReason = "transport"
	ReasonTimeout           FailureReason = "timeout"
	ReasonFormat            FailureReason = "format"
	ReasonUnresolvableEntry FailureReason = "unresolvable_entry"
	ReasonStorage           FailureReason = "storage"
	ReasonInternal          FailureReason = "internal"
)

// TransportError reports a failed or timed out fetch.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch exceeded its deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// FormatError reports a document that is not well-formed XML or whose root
// element is neither rss nor feed.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return fmt.Sprintf("parsing feed: %v", e.Err) }

func (e *FormatError) Unwrap() error { return e.Err }

// UnresolvableEntryError reports an entry without an identifier or without
// any usable date. Index is the entry's position in the document.
type UnresolvableEntryError struct {
	Index int
	GUID  string
	Field string
}

func (e *UnresolvableEntryError) Error() string {
	if e.GUID != "" {
		return fmt.Sprintf("entry %d (%s): missing %s", e.Index, e.GUID, e.Field)
	}
	return fmt.Sprintf("entry %d: missing %s", e.Index, e.Field)
}

// StorageError wraps a failure of the storage collaborator.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Classify maps an error from any stage to a FailureReason.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonNone
	}
	var (
		transportErr *TransportError
		formatErr    *FormatError
		entryErr     *UnresolvableEntryError
		storageErr   *StorageError
	)
	switch {
	case errors.As(err, &transportErr):
		if transportErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonTransport
	case errors.As(err, &formatErr):
		return ReasonFormat
	case errors.As(err, &entryErr):
		return ReasonUnresolvableEntry
	case errors.As(err, &storageErr):
		return ReasonStorage
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonInternal
	}
}
