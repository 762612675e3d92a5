package drr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask() Task {
	return func(context.Context) (any, error) { return nil, nil }
}

func enqueueN(s *Scheduler, user int64, n, weight int) {
	for i := 0; i < n; i++ {
		s.EnqueueOne(user, func(context.Context) (any, error) { return nil, nil }, weight)
	}
}

func drainOrder(s *Scheduler) []int64 {
	var order []int64
	for {
		s.mu.Lock()
		u, it := s.popNextLocked()
		s.mu.Unlock()
		if it == nil {
			return order
		}
		order = append(order, u)
	}
}

func TestDispatchOrder_WeightedTwoUsers(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	enqueueN(s, 2, 10, 3) // user B, weight 3, arrives first
	enqueueN(s, 1, 10, 1) // user A, weight 1

	order := drainOrder(s)
	require.Len(t, order, 20)
	assert.Equal(t, []int64{2, 2, 2, 1, 2, 2, 2, 1}, order[:8])

	// B receives 3 slots per round to A's 1, so B's ten items drain
	// within the first 13 slots.
	b := 0
	for _, u := range order[:13] {
		if u == 2 {
			b++
		}
	}
	assert.Equal(t, 10, b)
}

func TestDispatchOrder_EqualWeightsAlternate(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	enqueueN(s, 1, 4, 1)
	enqueueN(s, 2, 4, 1)
	order := drainOrder(s)
	assert.Equal(t, []int64{1, 2, 1, 2, 1, 2, 1, 2}, order)
}

func TestFairnessBounds(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	weights := map[int64]int{1: 1, 2: 2, 3: 5}
	sumw := 8
	// The fairness bound holds for continuously-active users only, so
	// every backlog must exceed its owner's ideal share of the window.
	per := 60
	for u, w := range weights {
		enqueueN(s, u, per, w)
	}
	k := 0
	counts := map[int64]int{}
	for k < 80 {
		s.mu.Lock()
		u, it := s.popNextLocked()
		s.mu.Unlock()
		require.NotNil(t, it)
		counts[u]++
		k++
	}
	for u, w := range weights {
		ideal := float64(k) * float64(w) / float64(sumw)
		assert.InDelta(t, ideal, float64(counts[u]), float64(sumw)+1,
			"user %d got %d dispatches, ideal %f", u, counts[u], ideal)
	}
}

func TestFIFOWithinUser(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	var order []int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		i := i
		s.EnqueueOne(7, func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, 1)
	}
	for {
		s.mu.Lock()
		_, it := s.popNextLocked()
		s.mu.Unlock()
		if it == nil {
			break
		}
		_, _ = runTask(context.Background(), it.task)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestWeightCoercionAndLastWriterWins(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	s.EnqueueOne(1, noopTask(), 0)
	assert.Equal(t, 1, s.queues[1].weight)
	s.EnqueueOne(1, noopTask(), -3)
	assert.Equal(t, 1, s.queues[1].weight)
	s.EnqueueOne(1, noopTask(), 5)
	assert.Equal(t, 5, s.queues[1].weight)
}

func TestReactivationResetsDeficit(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	enqueueN(s, 1, 2, 4)
	drainOrder(s)
	s.queues[1].deficit = -7 // pretend leftover debt
	s.EnqueueOne(1, noopTask(), 4)
	assert.Equal(t, 0, s.queues[1].deficit)
	assert.Equal(t, []int64{1}, s.rotor)
}

func TestRotorMatchesNonEmptyQueues(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	enqueueN(s, 1, 1, 1)
	enqueueN(s, 2, 1, 1)
	assert.Equal(t, []int64{1, 2}, s.rotor)
	drainOrder(s)
	assert.Empty(t, s.rotor)
	// Weight mapping persists after the queue empties.
	assert.NotNil(t, s.queues[1])
}

func TestHandle_ResolvesValueAndError(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	h1 := s.EnqueueOne(1, func(context.Context) (any, error) { return "ok", nil }, 1)
	boom := errors.New("boom")
	h2 := s.EnqueueOne(1, func(context.Context) (any, error) { return nil, boom }, 1)

	v, err := h1.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = h2.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestHandle_CancelBeforeDispatchRemovesItem(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	h := s.EnqueueOne(1, noopTask(), 1)
	require.True(t, h.Cancel())
	assert.Empty(t, s.rotor)
	assert.Empty(t, s.queues[1].items)

	_, err := h.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	// Second cancel is a no-op.
	assert.False(t, h.Cancel())
}

func TestRun_InflightNeverExceedsCap(t *testing.T) {
	s := New(NewAdaptiveCap(4, 4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cur, peak int64
	var wg sync.WaitGroup
	wg.Add(40)
	for i := 0; i < 40; i++ {
		s.EnqueueOne(int64(i%3), func(context.Context) (any, error) {
			defer wg.Done()
			n := atomic.AddInt64(&cur, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&cur, -1)
			return nil, nil
		}, 1)
	}
	go s.Run(ctx)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(4))
}

func TestRun_TaskPanicIsContainedAndCounted(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	h := s.EnqueueOne(1, func(context.Context) (any, error) { panic("kaboom") }, 1)
	_, err := h.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	inflight, _ := s.GlobalLoad()
	assert.Eventually(t, func() bool {
		inflight, _ = s.GlobalLoad()
		return inflight == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServiceTimes_UnknownUntilFirstCompletion(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	mean, p50, p90 := s.ServiceTimes()
	assert.Nil(t, mean)
	assert.Nil(t, p50)
	assert.Nil(t, p90)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	h := s.EnqueueOne(1, noopTask(), 1)
	_, _ = h.Await(context.Background())

	assert.Eventually(t, func() bool {
		mean, _, _ := s.ServiceTimes()
		return mean != nil
	}, time.Second, 10*time.Millisecond)
}

func TestActiveUserCount(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	assert.Equal(t, 0, s.ActiveUserCount())
	enqueueN(s, 1, 2, 1)
	enqueueN(s, 2, 1, 1)
	assert.Equal(t, 2, s.ActiveUserCount())

	// Inflight with empty queues still counts one active user, for UI
	// compatibility.
	s.mu.Lock()
	for {
		_, it := s.popNextLocked()
		if it == nil {
			break
		}
	}
	s.inflight = 1
	s.mu.Unlock()
	assert.Equal(t, 1, s.ActiveUserCount())
}

func TestUserEffectiveRateAndETA(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	enqueueN(s, 1, 5, 1)
	enqueueN(s, 2, 5, 3)
	rate, share := s.UserEffectiveRate(2)
	assert.InDelta(t, 0.75, share, 1e-9)
	assert.InDelta(t, 3.0, rate, 1e-9) // cap 4 * share

	eta50, eta90 := s.ETASeconds(2, 10)
	assert.Greater(t, eta50, 0.0)
	assert.GreaterOrEqual(t, eta90, eta50)
}

func TestGlobalLoad(t *testing.T) {
	s := New(NewAdaptiveCap(4, 32))
	inflight, capNow := s.GlobalLoad()
	assert.Equal(t, 0, inflight)
	assert.Equal(t, 4, capNow)
}
