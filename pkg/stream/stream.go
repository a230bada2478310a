// Package stream turns the remote store's aligned 1 MiB chunk protocol
// into byte-exact HTTP range reads.
//
// A requested range rarely lines up with chunk boundaries, so the reader
// fetches the covering chunk run and trims the first and last buffers.
// Throttles and transient faults before the first delivered byte rotate to
// the next session and restart the run; once bytes have reached the
// caller the stream terminates on error and the client resumes with a
// fresh range request.
package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
)

// Service reads byte ranges of remote items.
type Service struct {
	store remote.Store
	pool  *pool.Pool
}

// New creates a streaming service on top of a remote store and its session
// pool.
func New(store remote.Store, p *pool.Pool) *Service {
	return &Service{store: store, pool: p}
}

// OpenRange returns a reader over bytes [from, until] of the item,
// inclusive on both ends. The read runs on the given session and holds an
// in-flight slot on whichever session it is currently using until Close.
//
// The returned reader is lazy: no remote traffic happens before the first
// Read call.
func (s *Service) OpenRange(ctx context.Context, container string, item int64, desc *remote.TransferDescriptor, from, until int64, session int) (io.ReadCloser, error) {
	if from < 0 || until < from || until > desc.Size-1 {
		return nil, fmt.Errorf("stream: range %d-%d outside item of size %d", from, until, desc.Size)
	}
	if session < 0 || session >= s.pool.Len() {
		return nil, fmt.Errorf("stream: no such session %d", session)
	}
	return &rangeReader{
		svc:       s,
		ctx:       ctx,
		container: container,
		item:      item,
		desc:      desc,
		pl:        planRange(from, until, remote.ChunkSize),
		session:   session,
	}, nil
}

// CopyFull streams the whole item to w on a fixed session, without
// rotation; callers that want retry-on-another-session run their own
// attempt loop around it. progress, when non-nil, receives the cumulative
// byte count after every chunk.
func (s *Service) CopyFull(ctx context.Context, session int, desc *remote.TransferDescriptor, w io.Writer, progress func(written int64)) (int64, error) {
	parts := int((desc.Size + remote.ChunkSize - 1) / remote.ChunkSize)

	release := s.pool.Acquire(session)
	defer release()

	chunks, err := s.store.OpenChunks(ctx, session, desc, 0, parts)
	if err != nil {
		return 0, err
	}
	defer chunks.Close()

	var written int64
	for {
		chunk, err := chunks.Next(ctx)
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if progress != nil {
			progress(written)
		}
	}
}

// rangeReader adapts one chunk run into a trimmed byte stream.
type rangeReader struct {
	svc       *Service
	ctx       context.Context
	container string
	item      int64
	desc      *remote.TransferDescriptor
	pl        plan

	session  int
	attempts int
	release  func()
	chunks   remote.ChunkStream

	part      int
	buf       []byte
	delivered bool
	err       error
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	for len(r.buf) == 0 {
		if r.part >= r.pl.parts {
			r.err = io.EOF
			r.shutdown()
			return 0, io.EOF
		}
		chunk, err := r.nextChunk()
		if err != nil {
			r.err = err
			r.shutdown()
			return 0, err
		}
		buf, err := r.trim(chunk)
		if err != nil {
			r.err = err
			r.shutdown()
			return 0, err
		}
		r.buf = buf
		r.part++
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	if n > 0 {
		r.delivered = true
	}
	return n, nil
}

// nextChunk fetches the next buffer of the current run, rotating sessions
// while nothing has been delivered yet.
func (r *rangeReader) nextChunk() ([]byte, error) {
	for {
		if r.chunks == nil {
			if err := r.open(); err != nil {
				if retry := r.rotate(err); retry {
					continue
				}
				return nil, err
			}
		}
		chunk, err := r.chunks.Next(r.ctx)
		if err == nil {
			return chunk, nil
		}
		if retry := r.rotate(err); retry {
			continue
		}
		return nil, err
	}
}

// open starts the chunk run on the current session and takes its in-flight
// slot.
func (r *rangeReader) open() error {
	r.release = r.svc.pool.Acquire(r.session)
	chunks, err := r.svc.store.OpenChunks(r.ctx, r.session, r.desc, r.pl.offset, r.pl.parts)
	if err != nil {
		r.release()
		r.release = nil
		return err
	}
	r.chunks = chunks
	return nil
}

// rotate decides whether err warrants moving the run to the next session.
// It returns false once bytes have been delivered, for non-retryable
// errors, or when every session has been tried.
func (r *rangeReader) rotate(err error) bool {
	if r.delivered || !remote.IsRetryable(err) {
		return false
	}
	r.attempts++
	if r.attempts >= r.svc.pool.Len() {
		return false
	}

	r.shutdown()
	next := r.svc.pool.PickOther(r.session)

	logger.Debug("rotating stream session",
		logger.Container(r.container),
		logger.Item(r.item),
		logger.Session(next),
		logger.KeyAttempt, r.attempts,
		logger.Err(err))

	// Remote handles may have expired along with the failed session, so
	// the run restarts from a fresh descriptor.
	desc, lerr := r.svc.store.Locate(r.ctx, r.container, r.item)
	if lerr != nil {
		return false
	}
	r.desc = desc
	r.session = next
	r.part = 0
	return true
}

// trim cuts the protocol chunk down to the requested byte window.
func (r *rangeReader) trim(chunk []byte) ([]byte, error) {
	first := r.part == 0
	last := r.part == r.pl.parts-1

	lo, hi := 0, len(chunk)
	if first {
		lo = r.pl.firstCut
	}
	if last {
		hi = r.pl.lastCut
	}
	if lo > len(chunk) || hi > len(chunk) || lo > hi {
		return nil, fmt.Errorf("stream: remote returned short chunk %d of %d (%d bytes)", r.part, r.pl.parts, len(chunk))
	}
	return chunk[lo:hi], nil
}

// shutdown releases the session slot and closes the current run. Safe to
// call multiple times.
func (r *rangeReader) shutdown() {
	if r.chunks != nil {
		r.chunks.Close()
		r.chunks = nil
	}
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

func (r *rangeReader) Close() error {
	r.shutdown()
	if r.err == nil {
		r.err = fmt.Errorf("stream: reader closed")
	}
	return nil
}
