// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/surfgate/surfgate/pkg/remote"
)

// Item is a fake remote object.
type Item struct {
	Data []byte
	MIME string
	Name string
}

// FaultFunc is consulted before each remote operation. A non-nil return is
// surfaced to the caller in place of the real result. session is -1 for
// Locate calls.
type FaultFunc func(op string, session int) error

// Store is an in-memory remote.Store. All methods are safe for concurrent
// use.
type Store struct {
	mu     sync.Mutex
	items  map[string]Item // "container/item"
	faults FaultFunc

	locates    int
	openChunks int
}

// NewStore creates an empty fake store.
func NewStore() *Store {
	return &Store{items: make(map[string]Item)}
}

// Put registers an item and returns its content id.
func (s *Store) Put(container string, item int64, it Item) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key(container, item)] = it
	return ContentID(it.Data)
}

// Delete removes an item, making subsequent Locate calls fail with
// remote.ErrNotFound.
func (s *Store) Delete(container string, item int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key(container, item))
}

// SetFaults installs a fault injector.
func (s *Store) SetFaults(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Locates returns how many Locate calls the store has served.
func (s *Store) Locates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locates
}

// Opens returns how many OpenChunks calls the store has served.
func (s *Store) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openChunks
}

// ContentID derives the deterministic content id the fake assigns to data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Locate implements remote.Store.
func (s *Store) Locate(ctx context.Context, container string, item int64) (*remote.TransferDescriptor, error) {
	s.mu.Lock()
	s.locates++
	it, ok := s.items[key(container, item)]
	fault := s.faults
	s.mu.Unlock()

	if fault != nil {
		if err := fault("locate", -1); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &remote.TransferDescriptor{
		Handle:    fmt.Sprintf("handle-%s-%d", container, item),
		Size:      int64(len(it.Data)),
		MIME:      it.MIME,
		Name:      it.Name,
		ContentID: ContentID(it.Data),
	}, nil
}

// OpenChunks implements remote.Store.
func (s *Store) OpenChunks(ctx context.Context, session int, desc *remote.TransferDescriptor, offset int64, parts int) (remote.ChunkStream, error) {
	s.mu.Lock()
	s.openChunks++
	var data []byte
	for _, it := range s.items {
		if ContentID(it.Data) == desc.ContentID {
			data = it.Data
			break
		}
	}
	fault := s.faults
	s.mu.Unlock()

	if fault != nil {
		if err := fault("open", session); err != nil {
			return nil, err
		}
	}
	if data == nil {
		return nil, remote.ErrNotFound
	}
	if offset < 0 || offset%remote.ChunkSize != 0 {
		return nil, fmt.Errorf("remotetest: misaligned offset %d", offset)
	}
	return &chunkStream{
		data:    data,
		offset:  offset,
		parts:   parts,
		session: session,
		fault:   fault,
	}, nil
}

type chunkStream struct {
	data    []byte
	offset  int64
	parts   int
	served  int
	session int
	fault   FaultFunc
	closed  bool
}

func (c *chunkStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.fault != nil {
		if err := c.fault("next", c.session); err != nil {
			return nil, err
		}
	}
	if c.closed || c.served >= c.parts || c.offset >= int64(len(c.data)) {
		return nil, io.EOF
	}
	end := c.offset + remote.ChunkSize
	if end > int64(len(c.data)) {
		end = int64(len(c.data))
	}
	chunk := c.data[c.offset:end]
	c.offset = end
	c.served++
	return chunk, nil
}

func (c *chunkStream) Close() error {
	c.closed = true
	return nil
}

func key(container string, item int64) string {
	return fmt.Sprintf("%s/%d", container, item)
}
