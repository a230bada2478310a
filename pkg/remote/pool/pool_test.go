package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := New(0, nil)
	assert.Error(t, err)

	p, err := New(1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
}

func TestPickLeastLoaded(t *testing.T) {
	p, err := New(3, nil)
	require.NoError(t, err)

	// All idle: lowest index wins.
	assert.Equal(t, 0, p.PickLeastLoaded())

	r0 := p.Acquire(0)
	r1 := p.Acquire(1)
	assert.Equal(t, 2, p.PickLeastLoaded())

	r2 := p.Acquire(2)
	r2b := p.Acquire(2)
	// loads: [1 1 2] -> tie between 0 and 1 breaks to 0
	assert.Equal(t, 0, p.PickLeastLoaded())

	r0()
	assert.Equal(t, 0, p.PickLeastLoaded())

	r1()
	r2()
	r2b()
	assert.Equal(t, []int{0, 0, 0}, p.Loads())
}

func TestPickOtherWraps(t *testing.T) {
	p, err := New(3, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, p.PickOther(0))
	assert.Equal(t, 2, p.PickOther(1))
	assert.Equal(t, 0, p.PickOther(2))
}

func TestPickOtherSingleSession(t *testing.T) {
	p, err := New(1, nil)
	require.NoError(t, err)

	// With one session there is no "other" session.
	assert.Equal(t, 0, p.PickOther(0))
}

func TestReleaseIsIdempotent(t *testing.T) {
	p, err := New(2, nil)
	require.NoError(t, err)

	release := p.Acquire(1)
	release()
	release()
	assert.Equal(t, 0, p.Load(1))
}

func TestConcurrentAccounting(t *testing.T) {
	p, err := New(4, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release := p.Acquire(i % 4)
			defer release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 0, 0, 0}, p.Loads())
}

type fakeMetrics struct {
	mu   sync.Mutex
	last map[int]int
}

func (m *fakeMetrics) SetInFlight(session, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = map[int]int{}
	}
	m.last[session] = count
}

func TestMetricsReporting(t *testing.T) {
	m := &fakeMetrics{}
	p, err := New(2, m)
	require.NoError(t, err)

	release := p.Acquire(1)
	assert.Equal(t, 1, m.last[1])
	release()
	assert.Equal(t, 0, m.last[1])
}
