package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/cache/index"
	"github.com/surfgate/surfgate/pkg/catalog"
	"github.com/surfgate/surfgate/pkg/predict"
	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/stream"
)

// Cache status values reported in the X-Cache header.
const (
	cacheHit  = "HIT"
	cacheMiss = "MISS"
)

// Metrics records stream serving outcomes. A nil Metrics is valid and
// disables reporting.
type Metrics interface {
	ObserveStream(cacheStatus string, status int, bytes int64, seconds float64)
}

// Thumbnailer produces item thumbnails. Optional collaborator; the thumb
// endpoint answers 404 without one.
type Thumbnailer interface {
	Thumb(ctx context.Context, container string, item int64) (data []byte, mime string, err error)
}

// streamHandler serves media bytes: from the disk cache when possible,
// straight from the remote store otherwise.
type streamHandler struct {
	remote  remote.Store
	pool    *pool.Pool
	streams *stream.Service

	// cache, populator and predictor are nil when caching is disabled.
	cache     *cache.Store
	populator *cache.Populator
	predictor *predict.Predictor

	catalog catalog.Catalog
	metrics Metrics
}

// itemParams extracts the item id and capability hash from the request.
func itemParams(r *http.Request) (item int64, hash string, err error) {
	item, err = strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid item id")
	}
	return item, r.URL.Query().Get("hash"), nil
}

// locate resolves the descriptor and enforces the capability hash.
// It writes the error response itself and returns nil when handling must
// stop.
func (h *streamHandler) locate(w http.ResponseWriter, r *http.Request, container string, item int64, hash string) *remote.TransferDescriptor {
	desc, err := h.remote.Locate(r.Context(), container, item)
	if errors.Is(err, remote.ErrNotFound) {
		// The catalog may still list the vanished item; drop the row so
		// it stops being offered.
		if h.catalog != nil {
			if derr := h.catalog.Delete(r.Context(), container, item); derr != nil {
				logger.Warn("failed to drop stale catalog row",
					logger.Container(container),
					logger.Item(item),
					logger.Err(derr))
			}
		}
		http.Error(w, "item not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		logger.Error("locate failed",
			logger.Container(container),
			logger.Item(item),
			logger.Err(err))
		http.Error(w, "remote store unavailable", http.StatusInternalServerError)
		return nil
	}

	if len(desc.ContentID) < remote.ContentIDLen || hash != desc.ContentID[:remote.ContentIDLen] {
		http.Error(w, "invalid hash", http.StatusForbidden)
		return nil
	}
	return desc
}

// serveStream handles GET /{container}/{name}.
func (h *streamHandler) serveStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	container := chi.URLParam(r, "container")

	item, hash, err := itemParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	desc := h.locate(w, r, container, item, hash)
	if desc == nil {
		return
	}

	rng, err := parseRange(r.Header.Get("Range"), desc.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", desc.Size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	mimeType, name := describeMedia(desc, item)
	status := http.StatusOK
	if rng.partial {
		status = http.StatusPartialContent
	}

	cacheStatus := cacheMiss
	var src io.ReadCloser

	session := h.pool.PickLeastLoaded()
	key := cache.Key(container, item, desc.ContentID)
	if entry := h.cachedEntry(r.Context(), key, rng); entry != nil {
		cacheStatus = cacheHit
		f, err := h.cache.OpenRead(entry.Path)
		if err != nil {
			http.Error(w, "cache read failed", http.StatusInternalServerError)
			return
		}
		src = readCloser{io.NewSectionReader(f, rng.from, rng.length()), f}

		if err := h.cache.RecordAccess(r.Context(), key); err != nil {
			logger.Warn("failed to record cache access", logger.CacheKey(key), logger.Err(err))
		}
	} else {
		src, err = h.streams.OpenRange(r.Context(), container, item, desc, rng.from, rng.until, session)
		if err != nil {
			http.Error(w, "stream setup failed", http.StatusInternalServerError)
			return
		}

		if h.populator != nil && cache.Cacheable(desc.MIME, desc.Name) {
			h.populator.Enqueue(cache.PopulateRequest{
				Container: container,
				Item:      item,
				ContentID: desc.ContentID,
				Desc:      desc,
				Session:   h.pool.PickOther(session),
			})
		}
	}
	defer src.Close()

	h.kickPredictor(container, name, session)

	writeMediaHeaders(w, mimeType, name, rng, desc.Size, cacheStatus)
	w.WriteHeader(status)

	written, copyErr := io.Copy(w, src)
	if copyErr != nil {
		// Almost always the player dropping the connection mid-stream;
		// it resumes with a fresh range request.
		logger.Debug("stream ended early",
			logger.Container(container),
			logger.Item(item),
			logger.KeyBytesWritten, written,
			logger.Err(copyErr))
	}

	if h.metrics != nil {
		h.metrics.ObserveStream(cacheStatus, status, written, time.Since(start).Seconds())
	}
}

// cachedEntry returns the committed cache entry able to serve the range,
// or nil for the remote path.
func (h *streamHandler) cachedEntry(ctx context.Context, key string, rng byteRange) *index.Entry {
	if h.cache == nil {
		return nil
	}
	entry, err := h.cache.Lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			logger.Warn("cache lookup failed", logger.CacheKey(key), logger.Err(err))
		}
		return nil
	}
	// A file that drifted below the requested range cannot serve it.
	if rng.until > entry.Size-1 {
		return nil
	}
	return entry
}

// kickPredictor fires the next-episode prediction without blocking the
// response.
func (h *streamHandler) kickPredictor(container, name string, session int) {
	if h.predictor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.predictor.Trigger(ctx, container, name, session)
	}()
}

// describeMedia fills in mime type and filename fallbacks for descriptors
// that carry neither.
func describeMedia(desc *remote.TransferDescriptor, item int64) (mimeType, name string) {
	mimeType = desc.MIME
	name = desc.Name

	if mimeType == "" && name != "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if name == "" {
		exts, _ := mime.ExtensionsByType(mimeType)
		ext := ".bin"
		if len(exts) > 0 {
			ext = exts[0]
		}
		name = fmt.Sprintf("file_%d%s", item, ext)
	}
	return mimeType, name
}

// writeMediaHeaders sets the response headers shared by the cache and
// remote paths.
func writeMediaHeaders(w http.ResponseWriter, mimeType, name string, rng byteRange, size int64, cacheStatus string) {
	hdr := w.Header()
	hdr.Set("Content-Type", mimeType)
	hdr.Set("Content-Length", strconv.FormatInt(rng.length(), 10))
	if rng.partial {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.from, rng.until, size))
	}
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Cache-Control", "public, max-age=31536000")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("X-Cache", cacheStatus)
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Headers", "Range")
	hdr.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length")
}

// readCloser pairs a section reader with the file it reads from.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error {
	return r.closer.Close()
}
