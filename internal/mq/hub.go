// Package mq routes payloads to named in-memory mailboxes.
//
// Contract:
//   - Deliver never blocks; a full mailbox drops the payload and reports ErrMailboxFull.
//   - Mailboxes are buffered channels created by Register.
package mq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownDestination = errors.New("unknown destination")
	ErrMailboxFull        = errors.New("mailbox full")
)

// Event is the structured payload carried through a mailbox.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Hub struct {
	mu      sync.RWMutex
	boxes   map[string]chan Event
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{boxes: map[string]chan Event{}}
}

// Register creates the named mailbox, or returns the existing one.
func (h *Hub) Register(name string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.boxes[name]; ok {
		return ch
	}
	ch := make(chan Event, buffer)
	h.boxes[name] = ch
	return ch
}

// Deliver hands payload to the named mailbox. Events and strings are
// accepted as-is; anything else is stringified.
func (h *Hub) Deliver(destination string, payload any) error {
	h.mu.RLock()
	ch, ok := h.boxes[destination]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}

	var ev Event
	switch p := payload.(type) {
	case Event:
		ev = p
	case *Event:
		if p == nil {
			return fmt.Errorf("nil event for %s", destination)
		}
		ev = *p
	case string:
		ev = Event{Type: p}
	default:
		log.Debug().Str("destination", destination).Msgf("submitting %T as string, will probably not be understood", payload)
		ev = Event{Type: fmt.Sprint(payload)}
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case ch <- ev:
		return nil
	default:
		h.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrMailboxFull, destination)
	}
}

// Dropped reports how many payloads were discarded because a mailbox was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Destinations lists the registered mailbox names.
func (h *Hub) Destinations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.boxes))
	for name := range h.boxes {
		out = append(out, name)
	}
	return out
}
