// Package transport implements the Fetcher Adapter collaborator (spec
// §4.2): a thin contract over an HTTP fetcher providing a streaming fetch
// and a fetch-to-tempfile, both priority-ordered and
// size-bounded, plus a monotonic bytes-transferred counter.
package transport

import (
	"context"
)

// Priority orders dispatch: metadata before content before bulk delta
// parts (spec §5 Ordering).
type Priority int

const (
	PriorityMetadata Priority = iota
	PriorityContent
	PriorityDeltaPart
)

// Unbounded is passed as maxSize when a fetch has no size ceiling (spec
// §4.2 content fetches).
const Unbounded int64 = -1

// Fetcher is the opaque HTTP fetcher collaborator (spec §1, §4.2).
type Fetcher interface {
	// Stream fetches uri entirely into memory, failing if its size exceeds
	// maxSize (Unbounded for no limit).
	Stream(ctx context.Context, uri string, maxSize int64, priority Priority) ([]byte, error)

	// FetchToTemp fetches uri into a temp file under a
	// fixed temp directory, returning its absolute path. The caller is
	// responsible for removing the file once it holds an open handle
	// (spec §5 resource acquisition).
	FetchToTemp(ctx context.Context, uri string, maxSize int64, priority Priority) (tempPath string, err error)

	// BytesTransferred is a monotonic counter of bytes read off the wire
	// across all fetches issued by this Fetcher (spec §4.2).
	BytesTransferred() int64
}

// NotFoundError distinguishes HTTP 404 from other failures, since the
// Object Fetcher and Delta Planner special-case it (spec §4.6, §4.8).
type NotFoundError struct {
	URI string
}

func (e *NotFoundError) Error() string { return "transport: not found: " + e.URI }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if _, ok := err.(*NotFoundError); ok {
			return true
		}
	}
	return false
}
