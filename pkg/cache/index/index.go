// Package index maintains the persistent bookkeeping for the on-disk media
// cache: one entry per cached file, scored for eviction.
package index

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for keys with no entry.
var ErrNotFound = errors.New("index: entry not found")

// Entry is one committed cache file.
type Entry struct {
	// Key is the cache key, "container:item:content_id".
	Key string `json:"key"`

	// Path is the absolute path of the cached file.
	Path string `json:"path"`

	// Size is the committed size in bytes.
	Size int64 `json:"size"`

	// MIME and Name mirror the remote descriptor at commit time; either
	// may be empty.
	MIME string `json:"mime,omitempty"`
	Name string `json:"name,omitempty"`

	// Hits counts accesses, starting at 1 on commit.
	Hits int64 `json:"hits"`

	LastAccess time.Time `json:"last_access"`
	CreatedAt  time.Time `json:"created_at"`

	// Score is the eviction score as of the last update. Derived from
	// Hits and LastAccess; stored so eviction scans need no clock math.
	Score float64 `json:"score"`
}

// Eviction score parameters. A fresh single-hit entry scores about 110; an
// entry loses roughly 10 recency points per idle day and bottoms out at
// pure frequency after 10 days.
const (
	hitWeight   = 10.0
	recencyMax  = 100.0
	decayPeriod = 24 * time.Hour
	decayStep   = 10.0
)

// Score computes the eviction score for an entry with the given hit count
// and last access time. Higher scores survive eviction longer. The result
// is monotone non-decreasing in hits and non-increasing in idle time.
func Score(hits int64, lastAccess, now time.Time) float64 {
	idle := now.Sub(lastAccess)
	if idle < 0 {
		idle = 0
	}
	recency := recencyMax - (idle.Hours()/decayPeriod.Hours())*decayStep
	if recency < 0 {
		recency = 0
	}
	return hitWeight*float64(hits) + recency
}

// Index is the cache bookkeeping store. Implementations serialise
// individual operations; there are no multi-entry transactions.
type Index interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Upsert creates or replaces the entry for e.Key.
	Upsert(ctx context.Context, e *Entry) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// ScanByScoreAsc visits entries in ascending score order. The visit
	// function returns false to stop early.
	ScanByScoreAsc(ctx context.Context, visit func(*Entry) (bool, error)) error

	// SumSize returns the total committed bytes.
	SumSize(ctx context.Context) (int64, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying store.
	Close() error
}
