package auction

import (
	"time"

	"snipewatch/internal/domain"
)

// DefaultSnipeOffset marks a snipe that fires at the global default offset.
const DefaultSnipeOffset time.Duration = -1

// FallbackSnipeOffset applies when no snipemilliseconds setting exists.
const FallbackSnipeOffset = 30 * time.Second

// Snipe is the armed-bid state of one auction. A non-zero Bid is the only
// thing that makes it armed.
type Snipe struct {
	Bid      domain.Money
	Quantity int
	Offset   time.Duration

	CancelledBid      domain.Money
	CancelledQuantity int
}

func (s *Snipe) Armed() bool { return !s.Bid.IsZero() }

func (s *Snipe) Arm(bid domain.Money, quantity int) {
	if quantity <= 0 {
		quantity = 1
	}
	s.Bid = bid
	s.Quantity = quantity
}

// Disarm clears the snipe. After the auction's end the amount is kept in the
// cancelled fields for display.
func (s *Snipe) Disarm(afterEnd bool) {
	if s.Armed() && afterEnd {
		s.CancelledBid = s.Bid
		s.CancelledQuantity = s.Quantity
	}
	s.Bid = domain.Money{}
	s.Quantity = 0
}

func (s *Snipe) EffectiveOffset(defaultOffset time.Duration) time.Duration {
	if s.Offset == DefaultSnipeOffset {
		return defaultOffset
	}
	return s.Offset
}

// Check reports whether the snipe must fire at serverNow. A snipe still
// armed once the server clock has passed the end is disarmed.
func (s *Snipe) Check(serverNow, end time.Time, defaultOffset time.Duration) bool {
	if !s.Armed() {
		return false
	}
	if !end.After(serverNow) {
		s.Disarm(true)
		return false
	}
	return !serverNow.Add(s.EffectiveOffset(defaultOffset)).Before(end)
}
