package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/surfgate/surfgate/internal/logger"
)

// BadgerCatalog is a persistent Catalog backed by an embedded BadgerDB.
type BadgerCatalog struct {
	db *badger.DB
}

// NewBadgerCatalog opens (or creates) the catalog database at dir.
func NewBadgerCatalog(dir string) (*BadgerCatalog, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening catalog at %s: %w", dir, err)
	}

	logger.Debug("catalog opened", "dir", dir)
	return &BadgerCatalog{db: db}, nil
}

// itemKey zero-pads the item id so lexicographic key order matches
// numeric item order; List and FindByTitleRegex rely on it.
func itemKey(container string, item int64) []byte {
	return []byte(fmt.Sprintf("file/%s/%020d", container, item))
}

func containerPrefix(container string) []byte {
	return []byte(fmt.Sprintf("file/%s/", container))
}

func (c *BadgerCatalog) Add(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding catalog entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(e.Container, e.ItemID), val)
	})
}

func (c *BadgerCatalog) Get(ctx context.Context, container string, item int64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *Entry
	err := c.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(itemKey(container, item))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return it.Value(func(val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decoding catalog entry: %w", err)
			}
			entry = &e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *BadgerCatalog) Delete(ctx context.Context, container string, item int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(container, item))
	})
}

func (c *BadgerCatalog) FindByTitleRegex(ctx context.Context, container, expr string) (*Entry, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling title expression: %w", err)
	}

	entries, err := c.List(ctx, container)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if re.MatchString(e.Title) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (c *BadgerCatalog) List(ctx context.Context, container string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = containerPrefix(container)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decoding catalog entry %s: %w", it.Item().Key(), err)
				}
				entries = append(entries, &e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *BadgerCatalog) Close() error {
	return c.db.Close()
}
