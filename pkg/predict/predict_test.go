package predict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/cache/index"
	"github.com/surfgate/surfgate/pkg/catalog"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/remote/remotetest"
	"github.com/surfgate/surfgate/pkg/stream"
)

func TestSuccessorExpr(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"Show - 04 [1080p].mkv", `^Show - 05.*`, true},
		{"Show - 09 [720p] x265.mkv", `^Show - 10.*`, true},
		{"Show - 099 [1080p].mkv", `^Show - 100.*`, true},
		{"Title--04 720p", `^Title--05.*`, true},
		{"Some Show 7 finale.mp4", `^Some Show 8.*`, true},
		{"Episode 12 of 24.mkv", `^Episode 13.*`, true},
		{"A movie without numbers.mkv", "", false},
		{"2023.mkv", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := successorExpr(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuccessorExprEscapesMetaCharacters(t *testing.T) {
	expr, ok := successorExpr("Show (2024) - 04 [1080p].mkv")
	require.True(t, ok)

	// The literal parentheses must not become a regex group.
	assert.Equal(t, `^Show \(2024\) - 05.*`, expr)
}

func newPredictor(t *testing.T) (*Predictor, catalog.Catalog, *remotetest.Store, *cache.Store) {
	t.Helper()

	idx := index.NewMemoryIndex()
	store, err := cache.NewStore(cache.Config{Dir: t.TempDir(), MaxBytes: 1 << 20}, idx, nil)
	require.NoError(t, err)

	rt := remotetest.NewStore()
	p, err := pool.New(2, nil)
	require.NoError(t, err)

	pop := cache.NewPopulator(store, rt, p, stream.New(rt, p), nil)
	t.Cleanup(pop.Shutdown)

	cat := catalog.NewMemoryCatalog()
	return New(cat, pop, p), cat, rt, store
}

func TestTriggerPreCachesSuccessor(t *testing.T) {
	pred, cat, rt, store := newPredictor(t)
	ctx := context.Background()

	data := make([]byte, 5000)
	contentID := rt.Put("shows", 99, remotetest.Item{Data: data, MIME: "video/x-matroska", Name: "Show - 05 [1080p].mkv"})

	require.NoError(t, cat.Add(ctx, &catalog.Entry{
		Container: "shows",
		ItemID:    99,
		ContentID: contentID,
		Title:     "Show - 05 [1080p].mkv",
		Size:      5000,
	}))

	admitted := pred.Trigger(ctx, "shows", "Show - 04 [1080p].mkv", 0)
	assert.True(t, admitted)

	// A second trigger while the first is admitted (or already done) is
	// dropped by the populator.
	pred.Trigger(ctx, "shows", "Show - 04 [1080p].mkv", 0)

	// Wait for the download and verify the successor landed in cache.
	key := cache.Key("shows", 99, contentID)
	deadlineWait(t, func() bool {
		_, err := store.Lookup(ctx, key)
		return err == nil
	})
}

func TestTriggerNoSuccessorInCatalog(t *testing.T) {
	pred, _, _, _ := newPredictor(t)
	assert.False(t, pred.Trigger(context.Background(), "shows", "Show - 04 [1080p].mkv", 0))
}

func TestTriggerUnparseableName(t *testing.T) {
	pred, _, _, _ := newPredictor(t)
	assert.False(t, pred.Trigger(context.Background(), "shows", "finale.mkv", 0))
}

func TestTriggerSkipsNonCacheable(t *testing.T) {
	pred, cat, _, _ := newPredictor(t)
	ctx := context.Background()

	require.NoError(t, cat.Add(ctx, &catalog.Entry{
		Container: "shows",
		ItemID:    99,
		ContentID: "zz",
		Title:     "Show - 05 [notes].txt",
	}))

	assert.False(t, pred.Trigger(ctx, "shows", "Show - 04 [1080p].mkv", 0))
}

// deadlineWait polls cond until it holds.
func deadlineWait(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
