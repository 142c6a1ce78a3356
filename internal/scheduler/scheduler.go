// Package scheduler provides a single-loop timer for monitored orders.
//
// Instead of one timer goroutine per order, a min-heap of "next due"
// timestamps is driven by one loop. Scheduling and cancellation are keyed
// by ID and idempotent.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Func is the callback invoked when an entry comes due. It runs on the
// scheduler loop; long work should be handed off by the callee.
type Func func(ctx context.Context)

type entry struct {
	id    string
	due   time.Time
	fn    Func
	index int // heap index, -1 when removed
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler owns the due-time heap and the driving loop.
type Scheduler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	heap    entryHeap
	entries map[string]*entry
	wake    chan struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the driver loop. No-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Schedule registers fn to run at the given time under the given ID,
// replacing any pending entry for the same ID.
func (s *Scheduler) Schedule(id string, at time.Time, fn Func) {
	s.mu.Lock()
	if old, ok := s.entries[id]; ok && old.index >= 0 {
		heap.Remove(&s.heap, old.index)
	}
	e := &entry{id: id, due: at, fn: fn}
	s.entries[id] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	s.kick()
}

// Cancel removes any pending entry for the ID. Cancelling an unknown or
// already-cancelled ID is a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.kick()
}

// Pending returns the number of scheduled entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.peek()
		if !ok {
			// Nothing scheduled; sleep until kicked.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		wait := time.Until(next)
		if wait <= 0 {
			s.runDue(ctx)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].due, true
}

// runDue pops and runs every entry whose due time has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		// Only drop the index entry if it still points at this entry;
		// a reschedule may have replaced it.
		if cur, ok := s.entries[e.id]; ok && cur == e {
			delete(s.entries, e.id)
		}
		s.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Str("task_id", e.id).Msg("Scheduled task panicked")
				}
			}()
			e.fn(ctx)
		}()
	}
}
