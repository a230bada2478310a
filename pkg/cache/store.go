// Package cache owns the on-disk media cache: file layout, score-based
// eviction, and the single-flight background populator that fills it.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/cache/index"
)

// partialSuffix marks in-progress downloads. Partial files are invisible
// to lookups and promoted into place with a rename on completion.
const partialSuffix = ".partial"

// sizeTolerance is the accepted relative disagreement between an index row
// and the file on disk. The remote store occasionally reports sizes that
// differ slightly from the delivered byte count.
const sizeTolerance = 0.01

// Metrics receives cache gauge updates. A nil Metrics is valid and
// disables reporting.
type Metrics interface {
	ObserveEviction(entries int, bytes int64)
	SetUsage(bytes int64, entries int)
}

// Config holds cache store settings.
type Config struct {
	// Dir is the cache root directory; created if absent.
	Dir string

	// MaxBytes is the committed-size budget. Must be positive.
	MaxBytes int64
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// CleanupStats reports what a reconciliation pass did.
type CleanupStats struct {
	Checked  int `json:"checked"`
	Removed  int `json:"removed"`
	Rescored int `json:"rescored"`
	Orphans  int `json:"orphans"`
}

// Store manages cached files under one root directory. Sizing invariant:
// committed bytes stay within MaxBytes except during the window between an
// eviction decision and the completion of the write that triggered it.
type Store struct {
	dir      string
	maxBytes int64
	idx      index.Index
	metrics  Metrics
}

// NewStore creates the cache root if needed and returns a store over it.
func NewStore(cfg Config, idx index.Index, m Metrics) (*Store, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache: max size must be positive, got %d", cfg.MaxBytes)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", cfg.Dir, err)
	}
	return &Store{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		idx:      idx,
		metrics:  m,
	}, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path a cache key's file lives at.
func (s *Store) Path(key, ext string) string {
	return filepath.Join(s.dir, FileName(key, ext))
}

// Lookup returns the committed entry for key, verifying the file still
// exists on disk at its recorded size. A stale row (file gone or size
// drifted) is removed and reported as index.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, key string) (*index.Entry, error) {
	entry, err := s.idx.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	fi, statErr := os.Stat(entry.Path)
	if statErr != nil || !sizeWithinTolerance(entry.Size, fi.Size()) {
		logger.Warn("removing stale cache entry",
			logger.CacheKey(key),
			"path", entry.Path)
		if statErr == nil {
			_ = os.Remove(entry.Path)
		}
		if err := s.idx.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, index.ErrNotFound
	}
	return entry, nil
}

// RecordAccess bumps the hit counter and recomputes the score for key.
// Missing entries are ignored; the caller may have raced an eviction.
func (s *Store) RecordAccess(ctx context.Context, key string) error {
	entry, err := s.idx.Get(ctx, key)
	if err == index.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.Hits++
	entry.LastAccess = now
	entry.Score = index.Score(entry.Hits, now, now)
	return s.idx.Upsert(ctx, entry)
}

// Reserve makes room for needed bytes by evicting lowest-score entries
// until committed size plus needed fits the budget. Evictions are not
// rolled back if the subsequent write fails; the next reservation simply
// finds the space already free.
func (s *Store) Reserve(ctx context.Context, needed int64) error {
	if needed > s.maxBytes {
		return fmt.Errorf("cache: item of %d bytes exceeds cache budget %d", needed, s.maxBytes)
	}

	sum, err := s.idx.SumSize(ctx)
	if err != nil {
		return err
	}
	deficit := sum + needed - s.maxBytes
	if deficit <= 0 {
		return nil
	}

	var victims []*index.Entry
	var freed int64
	err = s.idx.ScanByScoreAsc(ctx, func(e *index.Entry) (bool, error) {
		victims = append(victims, e)
		freed += e.Size
		return freed < deficit, nil
	})
	if err != nil {
		return err
	}
	if freed < deficit {
		return fmt.Errorf("cache: cannot free %d bytes, only %d evictable", deficit, freed)
	}

	for _, v := range victims {
		if err := os.Remove(v.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evicting %s: %w", v.Path, err)
		}
		if err := s.idx.Delete(ctx, v.Key); err != nil {
			return err
		}
		logger.Info("evicted cache entry",
			logger.CacheKey(v.Key),
			logger.KeySize, v.Size,
			logger.KeyScore, v.Score)
	}

	if s.metrics != nil {
		s.metrics.ObserveEviction(len(victims), freed)
	}
	s.reportUsage(ctx)
	return nil
}

// Commit records a fully written cache file. The entry starts with one hit
// (the access that triggered the population). Committing the same key
// again refreshes the row without duplicating it.
func (s *Store) Commit(ctx context.Context, key, path string, size int64, mime, name string) error {
	now := time.Now().UTC()
	entry := &index.Entry{
		Key:        key,
		Path:       path,
		Size:       size,
		MIME:       mime,
		Name:       name,
		Hits:       1,
		LastAccess: now,
		CreatedAt:  now,
		Score:      index.Score(1, now, now),
	}
	if prev, err := s.idx.Get(ctx, key); err == nil {
		entry.CreatedAt = prev.CreatedAt
	}

	if err := s.idx.Upsert(ctx, entry); err != nil {
		return err
	}

	logger.Info("committed cache entry",
		logger.CacheKey(key),
		logger.KeySize, size,
		logger.KeyFilename, name)
	s.reportUsage(ctx)
	return nil
}

// OpenRead opens a committed cache file for positioned reads.
func (s *Store) OpenRead(path string) (*os.File, error) {
	return os.Open(path)
}

// Stats returns the current cache totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	sum, err := s.idx.SumSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	n, err := s.idx.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Entries: n, SizeBytes: sum, MaxBytes: s.maxBytes}, nil
}

// Cleanup reconciles the index with the filesystem: rows whose file went
// missing or drifted in size are dropped, surviving rows get fresh scores,
// and abandoned partial files older than an hour are deleted.
func (s *Store) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	now := time.Now().UTC()

	var entries []*index.Entry
	err := s.idx.ScanByScoreAsc(ctx, func(e *index.Entry) (bool, error) {
		entries = append(entries, e)
		return true, nil
	})
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		stats.Checked++
		fi, statErr := os.Stat(e.Path)
		if statErr != nil || !sizeWithinTolerance(e.Size, fi.Size()) {
			if statErr == nil {
				_ = os.Remove(e.Path)
			}
			if err := s.idx.Delete(ctx, e.Key); err != nil {
				return stats, err
			}
			stats.Removed++
			continue
		}

		e.Score = index.Score(e.Hits, e.LastAccess, now)
		if err := s.idx.Upsert(ctx, e); err != nil {
			return stats, err
		}
		stats.Rescored++
	}

	stats.Orphans = s.removeStalePartials(now)

	logger.Info("cache cleanup finished",
		"checked", stats.Checked,
		"removed", stats.Removed,
		"rescored", stats.Rescored,
		"orphans", stats.Orphans)
	s.reportUsage(ctx)
	return stats, nil
}

// removeStalePartials deletes partial files whose download died without
// cleaning up, keeping recent ones so it cannot race a live population.
func (s *Store) removeStalePartials(now time.Time) int {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+partialSuffix))
	if err != nil {
		return 0
	}

	removed := 0
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) < time.Hour {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
			logger.Warn("removed abandoned partial file", "path", path)
		}
	}
	return removed
}

func (s *Store) reportUsage(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	sum, err := s.idx.SumSize(ctx)
	if err != nil {
		return
	}
	n, err := s.idx.Count(ctx)
	if err != nil {
		return
	}
	s.metrics.SetUsage(sum, n)
}

// sizeWithinTolerance reports whether actual is within sizeTolerance of
// expected.
func sizeWithinTolerance(expected, actual int64) bool {
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= float64(expected)*sizeTolerance
}

// PartialFile is an exclusive sequential writer for an in-progress cache
// download. It writes to a side file and moves it into place on Promote.
type PartialFile struct {
	f     *os.File
	final string
	tmp   string
}

// CreatePartial opens a partial file for the eventual path. An existing
// partial at the same path is truncated.
func (s *Store) CreatePartial(finalPath string) (*PartialFile, error) {
	if !strings.HasPrefix(finalPath, s.dir) {
		return nil, fmt.Errorf("cache: path %s outside cache root", finalPath)
	}
	tmp := finalPath + partialSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating partial file: %w", err)
	}
	return &PartialFile{f: f, final: finalPath, tmp: tmp}, nil
}

func (p *PartialFile) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Size returns the bytes written so far.
func (p *PartialFile) Size() (int64, error) {
	fi, err := p.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Promote syncs the partial file and renames it into its final place. The
// rename is atomic on POSIX filesystems, so readers never observe a
// half-written cache file.
func (p *PartialFile) Promote() error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return err
	}
	if err := p.f.Close(); err != nil {
		return err
	}
	return os.Rename(p.tmp, p.final)
}

// Abort closes and deletes the partial file. Safe to call after Promote;
// it then leaves the promoted file alone.
func (p *PartialFile) Abort() {
	_ = p.f.Close()
	_ = os.Remove(p.tmp)
}
