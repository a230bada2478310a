// Package catalog maintains the searchable listing of known media items:
// which items exist in which container, under what title. The predictor
// queries it by title regex to find the next episode of a serial.
package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned for lookups with no matching item.
var ErrNotFound = errors.New("catalog: item not found")

// Entry is one catalogued media item.
type Entry struct {
	// Container is the remote container id the item lives in.
	Container string `json:"container"`

	// ItemID is the item id inside the container.
	ItemID int64 `json:"item_id"`

	// ContentID is the item's content id; its prefix authenticates
	// stream URLs.
	ContentID string `json:"content_id"`

	// Title is the media file name the item is listed under.
	Title string `json:"title"`

	// Size is the item size in bytes, when known.
	Size int64 `json:"size,omitempty"`
}

// Catalog is the item listing store.
type Catalog interface {
	// Add creates or replaces the entry for (e.Container, e.ItemID).
	Add(ctx context.Context, e *Entry) error

	// Get returns the entry for an item, or ErrNotFound.
	Get(ctx context.Context, container string, item int64) (*Entry, error)

	// Delete removes an item's entry. Deleting an absent item is not an
	// error.
	Delete(ctx context.Context, container string, item int64) error

	// FindByTitleRegex returns the first entry in the container whose
	// title matches the expression, or ErrNotFound. With multiple
	// matches the choice is arbitrary.
	FindByTitleRegex(ctx context.Context, container, expr string) (*Entry, error)

	// List returns all entries of a container.
	List(ctx context.Context, container string) ([]*Entry, error)

	// Close releases the underlying store.
	Close() error
}
