package cache

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfgate/surfgate/pkg/cache/index"
	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/remote/remotetest"
	"github.com/surfgate/surfgate/pkg/stream"
)

func newPopulator(t *testing.T, maxBytes int64, sessions int) (*Populator, *Store, *remotetest.Store, *pool.Pool) {
	t.Helper()

	idx := index.NewMemoryIndex()
	store, err := NewStore(Config{Dir: t.TempDir(), MaxBytes: maxBytes}, idx, nil)
	require.NoError(t, err)

	rt := remotetest.NewStore()
	p, err := pool.New(sessions, nil)
	require.NoError(t, err)
	streams := stream.New(rt, p)

	pop := NewPopulator(store, rt, p, streams, nil)
	t.Cleanup(pop.Shutdown)
	return pop, store, rt, p
}

func request(t *testing.T, rt *remotetest.Store, container string, item int64, session int) PopulateRequest {
	t.Helper()
	desc, err := rt.Locate(context.Background(), container, item)
	require.NoError(t, err)
	return PopulateRequest{
		Container: container,
		Item:      item,
		ContentID: desc.ContentID,
		Desc:      desc,
		Session:   session,
	}
}

func TestPopulateCommits(t *testing.T) {
	pop, store, rt, _ := newPopulator(t, 1<<20, 2)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	rt.Put("media", 1, remotetest.Item{Data: data, MIME: "video/mp4", Name: "ep1.mp4"})

	req := request(t, rt, "media", 1, 0)
	require.True(t, pop.Enqueue(req))
	pop.Wait()

	key := Key("media", 1, req.ContentID)
	entry, err := store.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), entry.Size)
	assert.Equal(t, "video/mp4", entry.MIME)

	onDisk, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	assert.False(t, pop.Downloading(key))
}

func TestSingleFlightAdmission(t *testing.T) {
	pop, _, rt, _ := newPopulator(t, 1<<20, 2)
	rt.Put("media", 1, remotetest.Item{Data: make([]byte, 10000), MIME: "video/mp4", Name: "ep1.mp4"})

	req := request(t, rt, "media", 1, 0)

	var count int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pop.Enqueue(req) {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	pop.Wait()

	assert.Equal(t, 1, count)
}

func TestEnqueueSkipsCachedItem(t *testing.T) {
	pop, store, rt, _ := newPopulator(t, 1<<20, 2)
	rt.Put("media", 1, remotetest.Item{Data: make([]byte, 100), MIME: "video/mp4", Name: "ep1.mp4"})

	req := request(t, rt, "media", 1, 0)
	require.True(t, pop.Enqueue(req))
	pop.Wait()

	key := Key("media", 1, req.ContentID)
	_, err := store.Lookup(context.Background(), key)
	require.NoError(t, err)

	assert.False(t, pop.Enqueue(req))
}

func TestEnqueueSkipsNonCacheable(t *testing.T) {
	pop, _, rt, _ := newPopulator(t, 1<<20, 2)
	rt.Put("media", 1, remotetest.Item{Data: make([]byte, 100), MIME: "text/plain", Name: "notes.txt"})

	req := request(t, rt, "media", 1, 0)
	assert.False(t, pop.Enqueue(req))
}

func TestPopulateRotatesOnThrottle(t *testing.T) {
	pop, store, rt, _ := newPopulator(t, 1<<20, 3)
	rt.Put("media", 1, remotetest.Item{Data: make([]byte, 3000), MIME: "video/mp4", Name: "ep1.mp4"})

	// Session 0 is permanently throttled; the populator must land the
	// download on session 1.
	rt.SetFaults(func(op string, session int) error {
		if session == 0 && (op == "open" || op == "next") {
			return &remote.ThrottledError{}
		}
		return nil
	})

	req := request(t, rt, "media", 1, 0)
	require.True(t, pop.Enqueue(req))
	pop.Wait()

	key := Key("media", 1, req.ContentID)
	_, err := store.Lookup(context.Background(), key)
	assert.NoError(t, err)
}

func TestPopulateGivesUpAfterAllSessions(t *testing.T) {
	pop, store, rt, _ := newPopulator(t, 1<<20, 2)
	rt.Put("media", 1, remotetest.Item{Data: make([]byte, 3000), MIME: "video/mp4", Name: "ep1.mp4"})

	rt.SetFaults(func(op string, session int) error {
		if op == "open" {
			return &remote.ThrottledError{}
		}
		return nil
	})

	req := request(t, rt, "media", 1, 0)
	require.True(t, pop.Enqueue(req))
	pop.Wait()

	key := Key("media", 1, req.ContentID)
	_, err := store.Lookup(context.Background(), key)
	assert.ErrorIs(t, err, index.ErrNotFound)
	assert.False(t, pop.Downloading(key))

	// No partial left behind.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPopulateEvictsForSpace(t *testing.T) {
	pop, store, rt, _ := newPopulator(t, 1000, 2)
	ctx := context.Background()

	// A low-score entry fills most of the budget.
	old := store.Path("media:9:old", ".mp4")
	require.NoError(t, os.WriteFile(old, make([]byte, 800), 0o644))
	require.NoError(t, store.Commit(ctx, "media:9:old", old, 800, "video/mp4", "old.mp4"))

	rt.Put("media", 1, remotetest.Item{Data: make([]byte, 600), MIME: "video/mp4", Name: "new.mp4"})
	req := request(t, rt, "media", 1, 0)
	require.True(t, pop.Enqueue(req))
	pop.Wait()

	_, err := store.Lookup(ctx, Key("media", 1, req.ContentID))
	require.NoError(t, err)
	_, err = store.Lookup(ctx, "media:9:old")
	assert.ErrorIs(t, err, index.ErrNotFound)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.SizeBytes, int64(1000))
}
