package auction

import (
	"sort"
	"sync"
)

// Book holds every monitored auction by identifier.
type Book struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewBook() *Book {
	return &Book{entries: map[string]*Entry{}}
}

// Add stores e. It returns false if an entry with the same id exists.
func (b *Book) Add(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[e.Identifier()]; ok {
		return false
	}
	b.entries[e.Identifier()] = e
	return true
}

func (b *Book) Get(id string) (*Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	return e, ok
}

// Remove deletes the entry and returns it, or nil if absent.
func (b *Book) Remove(id string) *Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[id]
	delete(b.entries, id)
	return e
}

// All returns the entries ordered by end date, soonest first.
func (b *Book) All() []*Entry {
	b.mu.RLock()
	out := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ei, ej := out[i].EndDate(), out[j].EndDate()
		if ei.Equal(ej) {
			return out[i].Identifier() < out[j].Identifier()
		}
		return ei.Before(ej)
	})
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
