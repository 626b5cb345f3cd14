// Package timequeue delivers payloads to named destinations at absolute
// times, once or repeatedly.
//
// A single goroutine (Run) owns the timer and performs every delivery, so
// the bookkeeping for one handle always finishes before its next event.
// Deliveries must be quick hand-offs; slow work belongs on another goroutine.
package timequeue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"snipewatch/internal/metrics"
)

// Dispatcher routes a payload to a named mailbox.
type Dispatcher interface {
	Deliver(destination string, payload any) error
}

// FaultFunc receives delivery errors and panics. It must not block.
type FaultFunc func(h *Handle, err error)

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithFaultHandler(fn FaultFunc) Option { return func(s *Scheduler) { s.onFault = fn } }

func WithMetrics(c *metrics.Collector) Option { return func(s *Scheduler) { s.metrics = c } }

type Scheduler struct {
	dispatcher Dispatcher
	registry   *Registry
	now        func() time.Time
	onFault    FaultFunc
	metrics    *metrics.Collector

	mu    sync.Mutex
	queue timerHeap
	wake  chan struct{}
}

func New(d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher: d,
		registry:   NewRegistry(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onFault == nil {
		s.onFault = logFault
	}
	return s
}

func logFault(h *Handle, err error) {
	log.Error().Err(err).
		Str("handle", h.ID).
		Str("destination", h.destination).
		Time("fire_at", h.FireAt()).
		Msg("timequeue delivery failed")
}

// Submit schedules one delivery of payload to destination at fireAt.
// Times in the past fire immediately.
func (s *Scheduler) Submit(payload any, destination string, fireAt time.Time) *Handle {
	h := newHandle(payload, destination, fireAt, 0, 0)
	s.enqueue(h)
	return h
}

// SubmitRepeating delivers first at fireAt and then interval after each
// delivery completes. repeats is Forever or the number of deliveries that
// follow the first one.
func (s *Scheduler) SubmitRepeating(payload any, destination string, fireAt time.Time, interval time.Duration, repeats int) *Handle {
	if repeats < Forever {
		repeats = Forever
	}
	h := newHandle(payload, destination, fireAt, interval, repeats)
	s.enqueue(h)
	return h
}

// Cancel removes a pending handle. It returns false when h already fired,
// was cancelled, or is being delivered right now; a handle cancelled during
// its delivery is still not rescheduled.
func (s *Scheduler) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	h.stopped.Store(true)
	if !s.registry.Remove(h) {
		return false
	}
	s.dequeue(h)
	return true
}

// CancelMatching cancels one pending handle accepted by m.
func (s *Scheduler) CancelMatching(m Matcher) bool {
	if m == nil {
		panic("timequeue: CancelMatching with nil matcher")
	}
	h := s.registry.RemoveFirst(m)
	if h == nil {
		return false
	}
	h.stopped.Store(true)
	s.dequeue(h)
	return true
}

// Contains reports whether any pending handle is accepted by m.
func (s *Scheduler) Contains(m Matcher) bool {
	if m == nil {
		panic("timequeue: Contains with nil matcher")
	}
	return s.registry.Find(m) != nil
}

// Pending reports whether h still has an outstanding delivery.
func (s *Scheduler) Pending(h *Handle) bool { return s.registry.Has(h) }

func (s *Scheduler) Len() int { return s.registry.Len() }

// Snapshot lists pending handles ordered by fire time.
func (s *Scheduler) Snapshot() []*Handle { return s.registry.Snapshot() }

func (s *Scheduler) enqueue(h *Handle) {
	s.registry.Add(h)
	s.mu.Lock()
	heap.Push(&s.queue, h)
	s.mu.Unlock()
	s.metrics.SetPending(s.registry.Len())
	s.signal()
}

func (s *Scheduler) dequeue(h *Handle) {
	s.mu.Lock()
	if h.index >= 0 {
		heap.Remove(&s.queue, h.index)
	}
	s.mu.Unlock()
	s.metrics.SetPending(s.registry.Len())
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives deliveries until ctx is cancelled. Pending handles stay
// registered after Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Int("pending", s.registry.Len()).Msg("timequeue started")
	for {
		due, wait := s.next()
		if due != nil {
			s.fire(due)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			log.Info().Int("pending", s.registry.Len()).Msg("timequeue stopped")
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next pops the earliest handle if it is due, otherwise returns how long to
// wait for it (-1 when the queue is empty).
func (s *Scheduler) next() (*Handle, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, -1
	}
	head := s.queue[0]
	if d := head.FireAt().Sub(s.now()); d > 0 {
		return nil, d
	}
	return heap.Pop(&s.queue).(*Handle), 0
}

func (s *Scheduler) fire(h *Handle) {
	// Leave the registry before delivering so matchers never see a handle
	// that is both findable and about to fire.
	if !s.registry.Remove(h) {
		return
	}
	s.metrics.SetPending(s.registry.Len())

	lag := s.now().Sub(h.FireAt())
	if err := s.deliver(h); err != nil {
		s.metrics.RecordFault(h.destination)
		s.onFault(h, err)
	} else {
		s.metrics.RecordDelivery(h.destination, lag.Seconds())
	}

	if h.interval == 0 || h.stopped.Load() {
		return
	}
	if h.remaining == 0 {
		return
	}
	if h.remaining > 0 {
		h.remaining--
	}
	h.setFireAt(s.now().Add(h.interval))
	s.enqueue(h)
	// Cancel may have run between the check above and enqueue.
	if h.stopped.Load() && s.registry.Remove(h) {
		s.dequeue(h)
	}
}

func (s *Scheduler) deliver(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery to %s panicked: %v", h.destination, r)
		}
	}()
	return s.dispatcher.Deliver(h.destination, h.payload)
}

// timerHeap orders handles by fire time.
type timerHeap []*Handle

func (q timerHeap) Len() int { return len(q) }

func (q timerHeap) Less(i, j int) bool { return q[i].fireAt.Load() < q[j].fireAt.Load() }

func (q timerHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerHeap) Push(x any) {
	h := x.(*Handle)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *timerHeap) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}
