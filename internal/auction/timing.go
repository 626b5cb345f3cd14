package auction

import (
	"sync"
	"time"
)

const (
	DefaultUpdateFrequency  = 40 * time.Minute
	DefaultQuickerThreshold = 30 * time.Minute
	FastUpdateFrequency     = time.Minute
	DefaultPause            = 5 * time.Minute
	JustAddedWindow         = 5 * time.Minute

	// QueuedTimeout is how long a queued refresh may wait for a worker
	// before it is presumed lost and may be queued again.
	QueuedTimeout = time.Minute
)

// FarFuture stands in for an unknown end date so nothing is ever due.
var FarFuture = time.Date(2999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Timing decides when an auction needs refreshing. All state changes go
// through its methods; it is safe for concurrent use.
type Timing struct {
	mu sync.Mutex

	lastUpdated      time.Time
	updateFrequency  time.Duration
	quickerThreshold time.Duration

	needsUpdate bool
	updating    bool
	ended       bool
	forced      bool

	pausedUntil    time.Time
	justAddedUntil time.Time
	queuedAt       time.Time
}

func NewTiming() *Timing {
	return &Timing{
		updateFrequency:  DefaultUpdateFrequency,
		quickerThreshold: DefaultQuickerThreshold,
	}
}

// CheckUpdate reports whether the auction should be refreshed now. skew is
// added to now to approximate the server clock.
func (t *Timing) CheckUpdate(now time.Time, skew time.Duration, end time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.justAddedUntil.IsZero() && now.After(t.justAddedUntil) {
		t.justAddedUntil = time.Time{}
	}

	if !t.pausedUntil.IsZero() {
		if !now.After(t.pausedUntil) {
			return false
		}
		t.pausedUntil = time.Time{}
	}

	if t.needsUpdate {
		return true
	}
	if t.updating || t.ended {
		return false
	}

	serverNow := now.Add(skew)
	switch {
	case serverNow.After(end):
		// Past the end: refresh once more, then never again.
		t.ended = true
		t.needsUpdate = true
	case t.updateFrequency != FastUpdateFrequency && end.Add(-t.quickerThreshold).Before(serverNow):
		t.updateFrequency = FastUpdateFrequency
		t.needsUpdate = true
	case t.lastUpdated.Add(t.updateFrequency).Before(now):
		t.needsUpdate = true
	}
	return t.needsUpdate
}

// ClearNeedsUpdate records a completed refresh.
func (t *Timing) ClearNeedsUpdate(now time.Time) {
	t.mu.Lock()
	t.needsUpdate = false
	t.lastUpdated = now
	t.mu.Unlock()
}

// MarkUpdated stamps the end of a refresh. Requests raised while it ran
// stay pending.
func (t *Timing) MarkUpdated(now time.Time) {
	t.mu.Lock()
	t.lastUpdated = now
	t.mu.Unlock()
}

// MarkQueued claims the right to queue a refresh. It fails while an earlier
// request is still waiting for a worker, unless that request is older than
// QueuedTimeout.
func (t *Timing) MarkQueued(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.queuedAt.IsZero() && now.Sub(t.queuedAt) < QueuedTimeout {
		return false
	}
	t.queuedAt = now
	return true
}

func (t *Timing) IsQueued() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.queuedAt.IsZero()
}

func (t *Timing) SetNeedsUpdate() {
	t.mu.Lock()
	t.needsUpdate = true
	t.mu.Unlock()
}

// ForceUpdate requests a refresh even if the auction has ended or is paused.
func (t *Timing) ForceUpdate() {
	t.mu.Lock()
	t.forced = true
	t.pausedUntil = time.Time{}
	t.needsUpdate = true
	t.mu.Unlock()
}

// Pause suppresses polling until now+d. Snipes stay armed.
func (t *Timing) Pause(now time.Time, d time.Duration) {
	if d <= 0 {
		d = DefaultPause
	}
	t.mu.Lock()
	t.pausedUntil = now.Add(d)
	t.mu.Unlock()
}

// BeginUpdate marks a refresh as in flight and consumes the queued marker.
// The returned release func must be called on every exit path. ok is false
// if another refresh holds the flag or nothing has asked for one.
func (t *Timing) BeginUpdate() (release func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queuedAt = time.Time{}
	if t.updating || (!t.needsUpdate && !t.forced) {
		return func() {}, false
	}
	t.updating = true
	t.needsUpdate = false
	t.forced = false

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.updating = false
			t.mu.Unlock()
		})
	}, true
}

// ObserveEnd runs after a refresh: an auction found past its end gets one
// final forced update.
func (t *Timing) ObserveEnd(now time.Time, skew time.Duration, end time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || !now.Add(skew).After(end) {
		return false
	}
	t.ended = true
	t.needsUpdate = true
	t.forced = true
	return true
}

// MarkEnded is used when loading an auction already recorded as complete.
func (t *Timing) MarkEnded() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}

func (t *Timing) MarkJustAdded(until time.Time) {
	t.mu.Lock()
	t.justAddedUntil = until
	t.mu.Unlock()
}

func (t *Timing) ClearJustAdded() {
	t.mu.Lock()
	t.justAddedUntil = time.Time{}
	t.mu.Unlock()
}

// NextUpdate is when the periodic cadence will next ask for a refresh.
func (t *Timing) NextUpdate(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	base := t.lastUpdated
	if base.IsZero() {
		base = now
	}
	return base.Add(t.updateFrequency)
}

func (t *Timing) NeedsUpdate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needsUpdate
}

func (t *Timing) IsUpdating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updating
}

func (t *Timing) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *Timing) IsUpdateForced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forced
}

func (t *Timing) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.pausedUntil.IsZero()
}

func (t *Timing) IsJustAdded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.justAddedUntil.IsZero()
}

func (t *Timing) UpdateFrequency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateFrequency
}

func (t *Timing) LastUpdated() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUpdated
}

// TimingState is a read-only copy for display.
type TimingState struct {
	LastUpdated     time.Time     `json:"last_updated"`
	UpdateFrequency time.Duration `json:"update_frequency"`
	NeedsUpdate     bool          `json:"needs_update"`
	Updating        bool          `json:"updating"`
	Ended           bool          `json:"ended"`
	Forced          bool          `json:"forced"`
	PausedUntil     time.Time     `json:"paused_until"`
	JustAddedUntil  time.Time     `json:"just_added_until"`
}

func (t *Timing) State() TimingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimingState{
		LastUpdated:     t.lastUpdated,
		UpdateFrequency: t.updateFrequency,
		NeedsUpdate:     t.needsUpdate,
		Updating:        t.updating,
		Ended:           t.ended,
		Forced:          t.forced,
		PausedUntil:     t.pausedUntil,
		JustAddedUntil:  t.justAddedUntil,
	}
}
