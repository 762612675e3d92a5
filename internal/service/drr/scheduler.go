package drr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glideops/flightbridge/internal/adapter/observability"
)

// Task is one suspendable unit of work. Tasks carry their own deadlines;
// the scheduler never times them out.
type Task func(ctx context.Context) (any, error)

// quantum is the credit added to a user's deficit per service round.
// Every work item has size 1.
const quantum = 1

// idleWait is how long the dispatch loop yields when capped or idle.
const idleWait = 10 * time.Millisecond

// Handle resolves exactly once with the task's value or error. Any
// number of callers may await it; abandoning it leaks nothing.
type Handle struct {
	done   chan struct{}
	value  any
	err    error
	once   sync.Once
	cancel func() bool
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolve(v any, err error) {
	h.once.Do(func() {
		h.value = v
		h.err = err
		close(h.done)
	})
}

// Await blocks until the handle resolves or ctx is done.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the work item from its queue if it has not been
// dispatched yet, resolving the handle with context.Canceled. It
// reports whether the item was removed. After dispatch it is a no-op.
func (h *Handle) Cancel() bool {
	if h.cancel == nil {
		return false
	}
	return h.cancel()
}

type workItem struct {
	task   Task
	handle *Handle
}

// userQueue holds the pending items and DRR bookkeeping for one user.
// The struct persists after the queue empties so the stored weight
// survives; only the rotor entry is removed.
type userQueue struct {
	items   []*workItem
	weight  int
	deficit int
}

// Scheduler is a deficit round-robin scheduler over per-user FIFO
// queues with a single dispatch loop bounded by an AdaptiveCap.
// All queue, rotor, deficit and inflight mutation happens under one
// mutex; dispatched tasks run concurrently outside it.
type Scheduler struct {
	mu       sync.Mutex
	queues   map[int64]*userQueue
	rotor    []int64
	inflight int

	adaptive *AdaptiveCap
	mean     *EWMA
	quant    *RollingQuantile
}

// New returns a scheduler bounded by the given adaptive cap.
func New(adaptive *AdaptiveCap) *Scheduler {
	return &Scheduler{
		queues:   make(map[int64]*userQueue),
		adaptive: adaptive,
		mean:     NewEWMA(0.2),
		quant:    NewRollingQuantile(500),
	}
}

// EnqueueOne appends a work item to userKey's queue and returns its
// completion handle. Weights below 1 are coerced to 1; a re-enqueue
// overwrites the stored weight.
func (s *Scheduler) EnqueueOne(userKey int64, task Task, weight int) *Handle {
	h := newHandle()
	it := &workItem{task: task, handle: h}
	h.cancel = func() bool { return s.remove(userKey, it) }

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(userKey, weight, it)
	return h
}

// EnqueueBatch appends several work items for userKey without
// returning per-item handles.
func (s *Scheduler) EnqueueBatch(userKey int64, tasks []Task, weight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.pushLocked(userKey, weight, &workItem{task: t, handle: newHandle()})
	}
}

func (s *Scheduler) pushLocked(userKey int64, weight int, it *workItem) {
	if weight < 1 {
		weight = 1
	}
	q := s.queues[userKey]
	if q == nil {
		q = &userQueue{}
		s.queues[userKey] = q
	}
	q.weight = weight
	if len(q.items) == 0 {
		// Inactive -> active: fresh deficit, tail of the rotor.
		q.deficit = 0
		s.rotor = append(s.rotor, userKey)
	}
	q.items = append(q.items, it)
}

func (s *Scheduler) remove(userKey int64, it *workItem) bool {
	s.mu.Lock()
	q := s.queues[userKey]
	removed := false
	if q != nil {
		for i, cur := range q.items {
			if cur == it {
				q.items = append(q.items[:i], q.items[i+1:]...)
				removed = true
				break
			}
		}
		if removed && len(q.items) == 0 {
			s.dropFromRotorLocked(userKey)
		}
	}
	s.mu.Unlock()
	if removed {
		it.handle.resolve(nil, context.Canceled)
	}
	return removed
}

func (s *Scheduler) dropFromRotorLocked(userKey int64) {
	for i, u := range s.rotor {
		if u == userKey {
			s.rotor = append(s.rotor[:i], s.rotor[i+1:]...)
			return
		}
	}
}

// popNextLocked runs one DRR round and returns the selected item, or
// nil when no user can be served. A round visits each active user at
// most once.
func (s *Scheduler) popNextLocked() (int64, *workItem) {
	n := len(s.rotor)
	for i := 0; i < n; i++ {
		u := s.rotor[0]
		q := s.queues[u]
		if q == nil || len(q.items) == 0 {
			s.rotor = s.rotor[1:]
			continue
		}
		if q.deficit <= 0 {
			// New service round for this user.
			q.deficit += quantum * q.weight
		}
		if q.deficit <= 0 {
			s.rotor = append(s.rotor[1:], u)
			continue
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.deficit--
		// The user keeps the head slot until its credit for this round
		// is spent or its queue drains.
		switch {
		case len(q.items) == 0:
			s.rotor = s.rotor[1:]
		case q.deficit == 0:
			s.rotor = append(s.rotor[1:], u)
		}
		return u, it
	}
	return 0, nil
}

// Run is the dispatch loop. It launches at most one task per
// iteration and returns only when ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		if s.inflight >= s.adaptive.Current() {
			s.mu.Unlock()
			sleepCtx(ctx, idleWait)
			continue
		}
		u, it := s.popNextLocked()
		if it == nil {
			s.mu.Unlock()
			sleepCtx(ctx, idleWait)
			continue
		}
		s.inflight++
		observability.SchedulerInflight.Set(float64(s.inflight))
		s.mu.Unlock()

		go s.execute(ctx, u, it)
	}
}

func (s *Scheduler) execute(ctx context.Context, userKey int64, it *workItem) {
	start := time.Now()
	v, err := runTask(ctx, it.task)
	dt := time.Since(start).Seconds()

	it.handle.resolve(v, err)
	if err != nil {
		slog.Error("scheduled task failed",
			slog.Int64("user_key", userKey), slog.Any("error", err))
		observability.SchedulerDispatchTotal.WithLabelValues("error").Inc()
	} else {
		observability.SchedulerDispatchTotal.WithLabelValues("ok").Inc()
	}

	s.mean.Update(dt)
	s.quant.Update(dt)
	s.adaptive.Record(err == nil)
	observability.SchedulerServiceTime.Observe(dt)
	observability.SchedulerCap.Set(float64(s.adaptive.Current()))

	s.mu.Lock()
	s.inflight--
	observability.SchedulerInflight.Set(float64(s.inflight))
	s.mu.Unlock()
}

// runTask shields the dispatch loop's accounting from panicking tasks.
func runTask(ctx context.Context, t Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// GlobalLoad returns the current inflight count and concurrency cap.
func (s *Scheduler) GlobalLoad() (inflight, cap int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight, s.adaptive.Current()
}

// ServiceTimes returns the EWMA mean and p50/p90 service times in
// seconds. Nil means unknown (no samples yet).
func (s *Scheduler) ServiceTimes() (mean, p50, p90 *float64) {
	if v, ok := s.mean.Value(); ok {
		mean = &v
	}
	if v, ok := s.quant.Quantile(0.5); ok {
		p50 = &v
	}
	if v, ok := s.quant.Quantile(0.9); ok {
		p90 = &v
	}
	return mean, p50, p90
}

// ActiveUserCount returns the number of users with queued work, plus
// one when work is inflight but nobody is queued. The extra one is
// kept for UI compatibility.
func (s *Scheduler) ActiveUserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		if len(q.items) > 0 {
			n++
		}
	}
	if n == 0 && s.inflight > 0 {
		n++
	}
	return n
}

// UserEffectiveRate approximates userKey's dispatch rate and fair
// share: share = weight / sum of active weights.
func (s *Scheduler) UserEffectiveRate(userKey int64) (rate, share float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	capNow := float64(s.adaptive.Current())
	sumw := 0
	for _, q := range s.queues {
		if len(q.items) > 0 {
			sumw += q.weight
		}
	}
	if sumw == 0 {
		return capNow, 1.0
	}
	w := 1
	if q := s.queues[userKey]; q != nil {
		w = q.weight
	}
	share = float64(w) / float64(sumw)
	return capNow * share, share
}

// ETASeconds estimates p50/p90 completion times for n items enqueued
// by userKey, including wait-to-start behind other users' backlogs.
func (s *Scheduler) ETASeconds(userKey int64, n int) (eta50, eta90 float64) {
	mean, p50, p90 := s.ServiceTimes()
	m := 1.0
	if mean != nil {
		m = *mean
	}
	s50 := m
	if p50 != nil {
		s50 = *p50
	}
	s90 := m * 1.5
	if p90 != nil {
		s90 = *p90
	}
	rate, _ := s.UserEffectiveRate(userKey)
	if rate < 0.001 {
		rate = 0.001
	}
	eta50 = float64(n) / rate * (s50 / m)
	eta90 = float64(n) / rate * (s90 / m)

	s.mu.Lock()
	ahead := 0
	for u, q := range s.queues {
		if u != userKey {
			ahead += len(q.items)
		}
	}
	capNow := float64(s.adaptive.Current())
	s.mu.Unlock()
	if capNow < 0.001 {
		capNow = 0.001
	}
	waitStart := float64(ahead) / capNow * s50
	return waitStart + eta50, waitStart + eta90
}
