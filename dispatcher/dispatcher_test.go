package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(64), cfg.MaxConcurrency)
	assert.False(t, cfg.Unordered)
	assert.Equal(t, 64, cfg.LaneBuffer)

	zero := Config{}.withDefaults()
	assert.Equal(t, cfg, zero, "the zero Config is ordered with default bounds")
}

func TestDispatcher_Go(t *testing.T) {
	t.Run("runs task", func(t *testing.T) {
		d := New(Config{}, nil)
		defer d.Close()

		done := make(chan struct{})
		require.NoError(t, d.Go(func() { close(done) }))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	})

	t.Run("bounds concurrency", func(t *testing.T) {
		d := New(Config{MaxConcurrency: 2}, nil)
		defer d.Close()

		var current, peak atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			require.NoError(t, d.Go(func() {
				defer wg.Done()
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
			}))
		}
		wg.Wait()
		assert.LessOrEqual(t, peak.Load(), int32(2))
		assert.GreaterOrEqual(t, peak.Load(), int32(1))
	})

	t.Run("recovers panics", func(t *testing.T) {
		d := New(Config{}, nil)
		require.NoError(t, d.Go(func() { panic("boom") }))

		done := make(chan struct{})
		require.NoError(t, d.Go(func() { close(done) }))
		<-done
		d.Close()
		d.wait()
	})

	t.Run("rejects after close", func(t *testing.T) {
		d := New(Config{}, nil)
		d.Close()
		d.Close()
		assert.True(t, d.closed.Load())
		assert.ErrorIs(t, d.Go(func() {}), ErrClosed)
		d.wait()
	})
}

func TestLane_ordered(t *testing.T) {
	d := New(Config{MaxConcurrency: 8, LaneBuffer: 4}, nil)
	defer d.Close()

	lane := d.NewLane()
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, lane.Submit(func() {
			defer wg.Done()
			if i%7 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLane_Close(t *testing.T) {
	t.Run("queued tasks still run after lane close", func(t *testing.T) {
		d := New(DefaultConfig(), nil)
		defer d.Close()

		lane := d.NewLane()
		var ran atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			require.NoError(t, lane.Submit(func() {
				defer wg.Done()
				ran.Add(1)
			}))
		}
		lane.Close()
		lane.Close()
		wg.Wait()
		assert.Equal(t, int32(5), ran.Load())
		assert.ErrorIs(t, lane.Submit(func() {}), ErrClosed)
	})

	t.Run("unordered lane forwards to Go", func(t *testing.T) {
		d := New(Config{Unordered: true}, nil)
		defer d.Close()

		lane := d.NewLane()
		done := make(chan struct{})
		require.NoError(t, lane.Submit(func() { close(done) }))
		<-done
		lane.Close()
		assert.ErrorIs(t, lane.Submit(func() {}), ErrClosed)
	})

	t.Run("lane from closed dispatcher rejects work", func(t *testing.T) {
		d := New(DefaultConfig(), nil)
		d.Close()
		lane := d.NewLane()
		assert.ErrorIs(t, lane.Submit(func() {}), ErrClosed)
	})
}

func TestDispatcher_Close_stops_queued_work(t *testing.T) {
	d := New(Config{MaxConcurrency: 1, LaneBuffer: 8}, nil)
	lane := d.NewLane()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, lane.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	var late atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, lane.Submit(func() { late.Add(1) }))
	}

	d.Close()
	close(release)
	d.wait()
	assert.Equal(t, int32(0), late.Load())
}

func TestTrySubmit(t *testing.T) {
	t.Run("ordered lane reports full buffer", func(t *testing.T) {
		d := New(Config{MaxConcurrency: 1, LaneBuffer: 1}, nil)
		defer d.Close()

		lane := d.NewLane()
		release := make(chan struct{})
		started := make(chan struct{})
		require.NoError(t, lane.TrySubmit(func() {
			close(started)
			<-release
		}))
		<-started

		require.NoError(t, lane.TrySubmit(func() {}))
		assert.ErrorIs(t, lane.TrySubmit(func() {}), ErrBusy)
		close(release)
	})

	t.Run("TryGo reports exhausted slots", func(t *testing.T) {
		d := New(Config{MaxConcurrency: 1}, nil)
		defer d.Close()

		release := make(chan struct{})
		require.NoError(t, d.TryGo(func() { <-release }))
		assert.ErrorIs(t, d.TryGo(func() {}), ErrBusy)
		close(release)

		require.Eventually(t, func() bool {
			return d.TryGo(func() {}) == nil
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("closed", func(t *testing.T) {
		d := New(DefaultConfig(), nil)
		lane := d.NewLane()
		d.Close()
		assert.ErrorIs(t, lane.TrySubmit(func() {}), ErrClosed)
		assert.ErrorIs(t, d.TryGo(func() {}), ErrClosed)
	})
}
