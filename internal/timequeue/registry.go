package timequeue

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Forever is the repeat count for a handle that repeats until cancelled.
const Forever = -1

// Matcher selects handles by what they carry rather than by identity.
type Matcher func(payload any, destination string, fireAt time.Time) bool

// Handle is a scheduled delivery. Callers only keep it to cancel it.
type Handle struct {
	ID string

	payload     any
	destination string
	interval    time.Duration

	fireAt    atomic.Int64 // unix nanos
	remaining int          // only touched by the timer goroutine once submitted
	stopped   atomic.Bool

	index int // position in the timer heap, -1 when not queued
}

func newHandle(payload any, destination string, fireAt time.Time, interval time.Duration, repeats int) *Handle {
	h := &Handle{
		ID:          "tq_" + uuid.NewString(),
		payload:     payload,
		destination: destination,
		interval:    interval,
		remaining:   repeats,
		index:       -1,
	}
	h.setFireAt(fireAt)
	return h
}

func (h *Handle) Payload() any            { return h.payload }
func (h *Handle) Destination() string     { return h.destination }
func (h *Handle) Interval() time.Duration { return h.interval }
func (h *Handle) FireAt() time.Time       { return time.Unix(0, h.fireAt.Load()) }

func (h *Handle) setFireAt(t time.Time) { h.fireAt.Store(t.UnixNano()) }

func (h *Handle) match(m Matcher) bool {
	return m(h.payload, h.destination, h.FireAt())
}

// Registry is the set of handles with an outstanding delivery.
type Registry struct {
	mu    sync.RWMutex
	items map[*Handle]struct{}
}

func NewRegistry() *Registry {
	return &Registry{items: map[*Handle]struct{}{}}
}

func (r *Registry) Add(h *Handle) {
	r.mu.Lock()
	r.items[h] = struct{}{}
	r.mu.Unlock()
}

// Remove reports whether h was present.
func (r *Registry) Remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[h]; !ok {
		return false
	}
	delete(r.items, h)
	return true
}

func (r *Registry) Has(h *Handle) bool {
	r.mu.RLock()
	_, ok := r.items[h]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Find(m Matcher) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for h := range r.items {
		if h.match(m) {
			return h
		}
	}
	return nil
}

// RemoveFirst removes and returns one handle accepted by m. Which one is
// unspecified when several match.
func (r *Registry) RemoveFirst(m Matcher) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.items {
		if h.match(m) {
			delete(r.items, h)
			return h
		}
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns the pending handles ordered by fire time.
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.items))
	for h := range r.items {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt().Before(out[j].FireAt()) })
	return out
}
