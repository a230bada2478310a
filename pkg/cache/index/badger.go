package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/surfgate/surfgate/internal/logger"
)

const entryPrefix = "entry/"

// BadgerIndex is a persistent Index backed by an embedded BadgerDB.
type BadgerIndex struct {
	db *badger.DB
}

// NewBadgerIndex opens (or creates) the index database at dir.
func NewBadgerIndex(dir string) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache index at %s: %w", dir, err)
	}

	logger.Debug("cache index opened", "dir", dir)
	return &BadgerIndex{db: db}, nil
}

func entryKey(key string) []byte {
	return []byte(entryPrefix + key)
}

func (b *BadgerIndex) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decoding entry %s: %w", key, err)
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

func (b *BadgerIndex) Upsert(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", e.Key, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Key), val)
	})
}

func (b *BadgerIndex) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(key))
	})
}

// ScanByScoreAsc loads all entries and sorts them in memory. The index
// holds one row per cached media file, so the working set stays small and
// a score-ordered secondary index is not worth its write amplification.
func (b *BadgerIndex) ScanByScoreAsc(ctx context.Context, visit func(*Entry) (bool, error)) error {
	entries, err := b.all(ctx)
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Score < entries[j].Score
	})

	for _, e := range entries {
		cont, err := visit(e)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (b *BadgerIndex) SumSize(ctx context.Context) (int64, error) {
	entries, err := b.all(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range entries {
		sum += e.Size
	}
	return sum, nil
}

func (b *BadgerIndex) Count(ctx context.Context) (int, error) {
	entries, err := b.all(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (b *BadgerIndex) Close() error {
	return b.db.Close()
}

func (b *BadgerIndex) all(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decoding entry %s: %w", it.Item().Key(), err)
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
