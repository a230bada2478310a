package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/remote/remotetest"
)

func fixture(t *testing.T, size int) ([]byte, *remotetest.Store, *remote.TransferDescriptor) {
	t.Helper()

	data := make([]byte, size)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(data)

	store := remotetest.NewStore()
	store.Put("media", 7, remotetest.Item{Data: data, MIME: "video/mp4", Name: "ep.mp4"})

	desc, err := store.Locate(context.Background(), "media", 7)
	require.NoError(t, err)
	return data, store, desc
}

func readAll(t *testing.T, r io.ReadCloser) []byte {
	t.Helper()
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestOpenRangeRoundTrip(t *testing.T) {
	data, store, desc := fixture(t, 2500000)
	p, err := pool.New(2, nil)
	require.NoError(t, err)
	svc := New(store, p)

	cases := []struct{ from, until int64 }{
		{0, 0},
		{0, int64(len(data)) - 1},
		{1048575, 2097151},
		{remote.ChunkSize, remote.ChunkSize},
		{0, remote.ChunkSize},
		{100, remote.ChunkSize + 100},
		{2 * remote.ChunkSize, 2499999},
	}
	for _, tc := range cases {
		r, err := svc.OpenRange(context.Background(), "media", 7, desc, tc.from, tc.until, 0)
		require.NoError(t, err)
		got := readAll(t, r)
		assert.Equal(t, data[tc.from:tc.until+1], got, "range %d-%d", tc.from, tc.until)
	}

	// Sessions fully released after every read.
	assert.Equal(t, []int{0, 0}, p.Loads())
}

func TestOpenRangeValidation(t *testing.T) {
	_, store, desc := fixture(t, 1000)
	p, err := pool.New(1, nil)
	require.NoError(t, err)
	svc := New(store, p)

	_, err = svc.OpenRange(context.Background(), "media", 7, desc, -1, 10, 0)
	assert.Error(t, err)

	_, err = svc.OpenRange(context.Background(), "media", 7, desc, 10, 5, 0)
	assert.Error(t, err)

	_, err = svc.OpenRange(context.Background(), "media", 7, desc, 0, 1000, 0)
	assert.Error(t, err)

	_, err = svc.OpenRange(context.Background(), "media", 7, desc, 0, 10, 3)
	assert.Error(t, err)
}

func TestOpenRangeIsLazy(t *testing.T) {
	_, store, desc := fixture(t, 1000)
	p, err := pool.New(1, nil)
	require.NoError(t, err)
	svc := New(store, p)

	opens := store.Opens()
	r, err := svc.OpenRange(context.Background(), "media", 7, desc, 0, 999, 0)
	require.NoError(t, err)
	assert.Equal(t, opens, store.Opens())

	readAll(t, r)
	assert.Equal(t, opens+1, store.Opens())
}

func TestRotationBeforeFirstByte(t *testing.T) {
	data, store, desc := fixture(t, 3000)
	p, err := pool.New(3, nil)
	require.NoError(t, err)
	svc := New(store, p)

	// Session 0 is throttled; sessions 1 and 2 are healthy.
	store.SetFaults(func(op string, session int) error {
		if session == 0 && (op == "open" || op == "next") {
			return &remote.ThrottledError{}
		}
		return nil
	})

	r, err := svc.OpenRange(context.Background(), "media", 7, desc, 0, 2999, 0)
	require.NoError(t, err)
	got := readAll(t, r)
	assert.Equal(t, data, got)
	assert.Equal(t, []int{0, 0, 0}, p.Loads())
}

func TestRotationExhaustsPool(t *testing.T) {
	_, store, desc := fixture(t, 3000)
	p, err := pool.New(2, nil)
	require.NoError(t, err)
	svc := New(store, p)

	store.SetFaults(func(op string, session int) error {
		if op == "open" {
			return &remote.TransientError{Err: errors.New("down")}
		}
		return nil
	})

	r, err := svc.OpenRange(context.Background(), "media", 7, desc, 0, 2999, 0)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, remote.IsRetryable(err))
	assert.Equal(t, []int{0, 0}, p.Loads())
}

func TestNoRotationAfterFirstByte(t *testing.T) {
	_, store, desc := fixture(t, 3*remote.ChunkSize)
	p, err := pool.New(2, nil)
	require.NoError(t, err)
	svc := New(store, p)

	// Fail every session after the first chunk was delivered. A
	// mid-stream fault must terminate the stream, not rotate.
	var served int
	store.SetFaults(func(op string, session int) error {
		if op == "next" {
			served++
			if served > 1 {
				return &remote.ThrottledError{}
			}
		}
		return nil
	})

	r, err := svc.OpenRange(context.Background(), "media", 7, desc, 0, 3*remote.ChunkSize-1, 0)
	require.NoError(t, err)
	defer r.Close()

	buf, err := io.ReadAll(r)
	require.Error(t, err)
	assert.Len(t, buf, remote.ChunkSize)
	// Only the initial open; no rotation happened.
	assert.Equal(t, 1, store.Opens())
}

func TestNonRetryableErrorStops(t *testing.T) {
	_, store, desc := fixture(t, 1000)
	p, err := pool.New(3, nil)
	require.NoError(t, err)
	svc := New(store, p)

	permanent := errors.New("permission denied")
	store.SetFaults(func(op string, session int) error {
		if op == "open" {
			return permanent
		}
		return nil
	})

	r, err := svc.OpenRange(context.Background(), "media", 7, desc, 0, 999, 0)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, store.Opens())
}

func TestCopyFull(t *testing.T) {
	data, store, desc := fixture(t, 2*remote.ChunkSize+12345)
	p, err := pool.New(2, nil)
	require.NoError(t, err)
	svc := New(store, p)

	var out bytes.Buffer
	var reports []int64
	n, err := svc.CopyFull(context.Background(), 1, desc, &out, func(w int64) {
		reports = append(reports, w)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())
	require.NotEmpty(t, reports)
	assert.Equal(t, int64(len(data)), reports[len(reports)-1])
	assert.Equal(t, []int{0, 0}, p.Loads())
}

func TestCopyFullDoesNotRotate(t *testing.T) {
	_, store, desc := fixture(t, 1000)
	p, err := pool.New(2, nil)
	require.NoError(t, err)
	svc := New(store, p)

	store.SetFaults(func(op string, session int) error {
		if session == 0 && op == "open" {
			return &remote.ThrottledError{}
		}
		return nil
	})

	var out bytes.Buffer
	_, err = svc.CopyFull(context.Background(), 0, desc, &out, nil)
	require.Error(t, err)
	assert.True(t, remote.IsRetryable(err))
	assert.Equal(t, 1, store.Opens())
}

func TestReadAfterClose(t *testing.T) {
	_, store, desc := fixture(t, 1000)
	p, err := pool.New(1, nil)
	require.NoError(t, err)
	svc := New(store, p)

	r, err := svc.OpenRange(context.Background(), "media", 7, desc, 0, 999, 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 10))
	assert.Error(t, err)
	assert.Equal(t, []int{0}, p.Loads())
}
