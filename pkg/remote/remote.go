// Package remote defines the interface to the upstream media store.
//
// The upstream delivers media only in aligned chunks of ChunkSize bytes and
// throttles per session, not per account. Implementations authenticate N
// independent sessions; callers spread work across them through
// pool.Pool and rotate sessions when a transfer is throttled.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChunkSize is the upstream protocol's fixed unit of transfer.
const ChunkSize = 1 << 20 // 1 MiB

// ContentIDLen is the length of the content id prefix that authenticates
// stream URLs.
const ContentIDLen = 6

// TransferDescriptor describes a single remote item for the duration of one
// streaming operation. Handles may expire upstream, so descriptors are
// always obtained fresh and never cached.
type TransferDescriptor struct {
	// Handle is the opaque remote transfer handle.
	Handle string

	// Size is the total item size in bytes.
	Size int64

	// MIME is the reported media type; may be empty.
	MIME string

	// Name is the reported file name; may be empty.
	Name string

	// ContentID is a short stable content-addressed id. Its first
	// ContentIDLen characters act as an unguessable URL capability.
	ContentID string
}

// ErrNotFound is returned by Locate when the remote reports no such item.
var ErrNotFound = errors.New("remote: item not found")

// ThrottledError indicates the remote store rate-limited the session.
// The transfer may succeed immediately on a different session.
type ThrottledError struct {
	// Wait is the server-suggested back-off; zero when unknown.
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("remote: throttled, retry after %s", e.Wait)
	}
	return "remote: throttled"
}

// TransientError wraps a failure that is worth retrying on another session.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "remote: transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should trigger session rotation.
func IsRetryable(err error) bool {
	var throttled *ThrottledError
	var transient *TransientError
	return errors.As(err, &throttled) || errors.As(err, &transient)
}

// ChunkStream is a lazy, finite, non-restartable sequence of byte buffers.
// Next returns io.EOF after the last chunk. Resuming after an error
// requires a fresh OpenChunks call.
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Store is the consumed remote-store interface.
type Store interface {
	// Locate fetches a fresh transfer descriptor for an item. It returns
	// ErrNotFound, a *ThrottledError, or a *TransientError on failure.
	Locate(ctx context.Context, container string, item int64) (*TransferDescriptor, error)

	// OpenChunks starts a chunk sequence of parts buffers beginning at the
	// aligned byte offset, served by the given session. Every buffer is
	// ChunkSize bytes except possibly the last.
	OpenChunks(ctx context.Context, session int, desc *TransferDescriptor, offset int64, parts int) (ChunkStream, error)
}
