package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/cache/index"
	"github.com/surfgate/surfgate/pkg/catalog"
	"github.com/surfgate/surfgate/pkg/predict"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/remote/remotetest"
	"github.com/surfgate/surfgate/pkg/stream"
)

type gateway struct {
	router http.Handler
	rt     *remotetest.Store
	idx    index.Index
	store  *cache.Store
	pop    *cache.Populator
	cat    catalog.Catalog
	pool   *pool.Pool
}

func newGateway(t *testing.T, withCache bool) *gateway {
	t.Helper()

	rt := remotetest.NewStore()
	p, err := pool.New(2, nil)
	require.NoError(t, err)
	streams := stream.New(rt, p)
	cat := catalog.NewMemoryCatalog()

	deps := Deps{
		Remote:  rt,
		Pool:    p,
		Streams: streams,
		Catalog: cat,
	}

	g := &gateway{rt: rt, cat: cat, pool: p}
	if withCache {
		g.idx = index.NewMemoryIndex()
		g.store, err = cache.NewStore(cache.Config{Dir: t.TempDir(), MaxBytes: 1 << 30}, g.idx, nil)
		require.NoError(t, err)
		g.pop = cache.NewPopulator(g.store, rt, p, streams, nil)
		t.Cleanup(g.pop.Shutdown)

		deps.Cache = g.store
		deps.Populator = g.pop
		deps.Predictor = predict.New(cat, g.pop, p)
	}

	g.router = NewRouter(deps)
	return g
}

func mediaData(size int) []byte {
	data := make([]byte, size)
	rnd := rand.New(rand.NewSource(7))
	rnd.Read(data)
	return data
}

func (g *gateway) get(t *testing.T, url string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func TestStreamRangeRoundTripCold(t *testing.T) {
	g := newGateway(t, false)
	data := mediaData(2500000)
	contentID := g.rt.Put("C", 17, remotetest.Item{Data: data, MIME: "video/mp4", Name: "clip.mp4"})
	hash := contentID[:6]

	rec := g.get(t, fmt.Sprintf("/C/clip.mp4?id=17&hash=%s", hash),
		map[string]string{"Range": "bytes=1048575-2097151"})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 1048575-2097151/2500000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "1048577", rec.Header().Get("Content-Length"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Range, Content-Length", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	assert.Equal(t, data[1048575:2097152], rec.Body.Bytes())
}

func TestStreamFullWithoutRange(t *testing.T) {
	g := newGateway(t, false)
	data := mediaData(5000)
	contentID := g.rt.Put("C", 17, remotetest.Item{Data: data, MIME: "video/mp4", Name: "clip.mp4"})

	rec := g.get(t, fmt.Sprintf("/C/clip.mp4?id=17&hash=%s", contentID[:6]), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.Equal(t, "5000", rec.Header().Get("Content-Length"))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestStreamInvalidRange(t *testing.T) {
	g := newGateway(t, false)
	data := mediaData(2500000)
	contentID := g.rt.Put("C", 17, remotetest.Item{Data: data, MIME: "video/mp4", Name: "clip.mp4"})

	rec := g.get(t, fmt.Sprintf("/C/clip.mp4?id=17&hash=%s", contentID[:6]),
		map[string]string{"Range": "bytes=3000000-4000000"})

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */2500000", rec.Header().Get("Content-Range"))
}

func TestStreamInvalidHash(t *testing.T) {
	g := newGateway(t, false)
	g.rt.Put("C", 17, remotetest.Item{Data: mediaData(1000), MIME: "video/mp4", Name: "clip.mp4"})

	rec := g.get(t, "/C/clip.mp4?id=17&hash=zzzzzz", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStreamNotFoundDropsCatalogRow(t *testing.T) {
	g := newGateway(t, false)
	ctx := context.Background()

	require.NoError(t, g.cat.Add(ctx, &catalog.Entry{Container: "C", ItemID: 17, ContentID: "abc", Title: "gone.mp4"}))

	rec := g.get(t, "/C/gone.mp4?id=17&hash=abcdef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := g.cat.Get(ctx, "C", 17)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestStreamBadItemID(t *testing.T) {
	g := newGateway(t, false)
	rec := g.get(t, "/C/clip.mp4?id=notanumber&hash=abcdef", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheHitServesFromDisk(t *testing.T) {
	g := newGateway(t, true)
	ctx := context.Background()

	data := mediaData(1000)
	contentID := g.rt.Put("C", 17, remotetest.Item{Data: data, MIME: "video/mp4", Name: "clip.mp4"})
	hash := contentID[:6]
	url := fmt.Sprintf("/C/clip.mp4?id=17&hash=%s", hash)

	// First request misses and schedules a population.
	rec := g.get(t, url, map[string]string{"Range": "bytes=0-999"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	g.pop.Wait()

	key := cache.Key("C", 17, contentID)
	entry, err := g.store.Lookup(ctx, key)
	require.NoError(t, err)
	hitsBefore := entry.Hits

	// Second request is served from disk and bumps the hit counter.
	rec = g.get(t, url, map[string]string{"Range": "bytes=0-999"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, data, rec.Body.Bytes())

	entry, err = g.idx.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, hitsBefore+1, entry.Hits)

	// Partial read from the cached file.
	rec = g.get(t, url, map[string]string{"Range": "bytes=100-199"})
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, data[100:200], rec.Body.Bytes())
}

func TestParallelMissesSingleFlight(t *testing.T) {
	g := newGateway(t, true)

	data := mediaData(50000)
	contentID := g.rt.Put("C", 17, remotetest.Item{Data: data, MIME: "video/mp4", Name: "clip.mp4"})
	url := fmt.Sprintf("/C/clip.mp4?id=17&hash=%s", contentID[:6])

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := g.get(t, url, map[string]string{"Range": "bytes=0-999"})
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()
	g.pop.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusPartialContent, code)
	}

	// Exactly one population reached the cache.
	key := cache.Key("C", 17, contentID)
	_, err := g.store.Lookup(context.Background(), key)
	assert.NoError(t, err)
}

func TestMissTriggersPredictor(t *testing.T) {
	g := newGateway(t, true)
	ctx := context.Background()

	current := mediaData(2000)
	next := mediaData(3000)
	curID := g.rt.Put("shows", 4, remotetest.Item{Data: current, MIME: "video/x-matroska", Name: "Show - 04 [1080p].mkv"})
	nextID := g.rt.Put("shows", 5, remotetest.Item{Data: next, MIME: "video/x-matroska", Name: "Show - 05 [1080p].mkv"})

	require.NoError(t, g.cat.Add(ctx, &catalog.Entry{
		Container: "shows", ItemID: 5, ContentID: nextID,
		Title: "Show - 05 [1080p].mkv", Size: 3000,
	}))

	rec := g.get(t, fmt.Sprintf("/shows/ep4.mkv?id=4&hash=%s", curID[:6]),
		map[string]string{"Range": "bytes=0-99"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)

	// Both the accessed item and the predicted successor end up cached.
	require.Eventually(t, func() bool {
		_, err4 := g.store.Lookup(ctx, cache.Key("shows", 4, curID))
		_, err5 := g.store.Lookup(ctx, cache.Key("shows", 5, nextID))
		return err4 == nil && err5 == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCacheStats(t *testing.T) {
	g := newGateway(t, true)

	rec := g.get(t, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enabled bool `json:"enabled"`
		Stats   *struct {
			Entries  int   `json:"entries"`
			MaxBytes int64 `json:"max_bytes"`
		} `json:"stats"`
		Loads []int `json:"session_loads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, int64(1<<30), resp.Stats.MaxBytes)
	assert.Len(t, resp.Loads, 2)
}

func TestCacheStatsDisabled(t *testing.T) {
	g := newGateway(t, false)

	rec := g.get(t, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
}

func TestWatchPage(t *testing.T) {
	g := newGateway(t, false)
	contentID := g.rt.Put("C", 17, remotetest.Item{Data: mediaData(1000), MIME: "video/mp4", Name: "clip.mp4"})
	hash := contentID[:6]

	rec := g.get(t, fmt.Sprintf("/watch/C?id=17&hash=%s", hash), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), fmt.Sprintf("id=17&amp;hash=%s", hash))
	assert.Contains(t, string(body), "<video")
}

func TestThumbWithoutProvider(t *testing.T) {
	g := newGateway(t, false)
	rec := g.get(t, "/api/thumb/C?id=17", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeThumbs struct{}

func (fakeThumbs) Thumb(ctx context.Context, container string, item int64) ([]byte, string, error) {
	return []byte("png-bytes"), "image/png", nil
}

func TestThumbWithProvider(t *testing.T) {
	rt := remotetest.NewStore()
	p, err := pool.New(1, nil)
	require.NoError(t, err)

	router := NewRouter(Deps{
		Remote:  rt,
		Pool:    p,
		Streams: stream.New(rt, p),
		Thumbs:  fakeThumbs{},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/thumb/C?id=17", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())
}

func TestCatalogListing(t *testing.T) {
	g := newGateway(t, false)
	ctx := context.Background()

	require.NoError(t, g.cat.Add(ctx, &catalog.Entry{Container: "C", ItemID: 1, ContentID: "a", Title: "one.mp4"}))
	require.NoError(t, g.cat.Add(ctx, &catalog.Entry{Container: "C", ItemID: 2, ContentID: "b", Title: "two.mp4"}))

	rec := g.get(t, "/api/list/C", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []catalog.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
}

func TestHealth(t *testing.T) {
	g := newGateway(t, false)
	rec := g.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
