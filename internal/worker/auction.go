package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"snipewatch/internal/auction"
	"snipewatch/internal/metrics"
	"snipewatch/internal/mq"
)

// Mailbox names and event types for auction work.
const (
	UpdateMailbox = "update"
	SnipeMailbox  = "snipe"

	RefreshEvent = "refresh"
	FireEvent    = "fire"
)

var ErrUnknownAuction = errors.New("unknown auction")

// NewRefresh is the event asking for auction id to be reloaded.
func NewRefresh(id string) mq.Event { return mq.Event{Type: RefreshEvent, Data: id} }

// NewFire is the event asking for the snipe on auction id to be submitted.
func NewFire(id string) mq.Event { return mq.Event{Type: FireEvent, Data: id} }

// AuctionID extracts the auction identifier carried by ev.
func AuctionID(ev mq.Event) (string, bool) {
	id, ok := ev.Data.(string)
	return id, ok && id != ""
}

func lookup(book *auction.Book, ev mq.Event) (*auction.Entry, error) {
	id, ok := AuctionID(ev)
	if !ok {
		return nil, fmt.Errorf("event %q carries no auction id", ev.Type)
	}
	e, ok := book.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuction, id)
	}
	return e, nil
}

// Refresher reloads auctions from their server.
type Refresher struct {
	Book    *auction.Book
	Limiter *rate.Limiter
	Metrics *metrics.Collector
	Now     func() time.Time
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresher) Handle(ctx context.Context, ev mq.Event) error {
	e, err := lookup(r.Book, ev)
	if err != nil {
		return err
	}
	return r.Refresh(ctx, e)
}

// Refresh reloads e unless another refresh of it is already running or
// nothing is pending. A failed reload marks the entry invalid; the updating
// flag is cleared on every path.
func (r *Refresher) Refresh(ctx context.Context, e *auction.Entry) error {
	release, ok := e.Timing().BeginUpdate()
	if !ok {
		return nil
	}
	defer release()

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			e.Timing().SetNeedsUpdate()
			return fmt.Errorf("refresh %s: %w", e.Identifier(), err)
		}
	}

	start := time.Now()
	info, err := e.Server().Reload(ctx, e.Identifier())
	r.Metrics.RecordUpdate(time.Since(start).Seconds(), err != nil)
	now := r.now()
	e.Timing().MarkUpdated(now)
	if err != nil {
		e.MarkInvalid("Update failed: " + err.Error())
		return fmt.Errorf("refresh %s: %w", e.Identifier(), err)
	}

	e.SetInfo(auction.InfoFrom(info))
	e.Timing().ClearJustAdded()
	e.Settle(now)

	log.Debug().
		Str("auction", e.Identifier()).
		Time("end", e.EndDate()).
		Str("current", info.CurrentBid.String()).
		Msg("auction refreshed")
	return nil
}

// Sniper submits snipes that have come due.
type Sniper struct {
	Book *auction.Book
	// Offset returns the global default snipe offset.
	Offset  func() time.Duration
	Metrics *metrics.Collector
	Now     func() time.Time
}

func (s *Sniper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sniper) offset() time.Duration {
	if s.Offset != nil {
		return s.Offset()
	}
	return auction.FallbackSnipeOffset
}

func (s *Sniper) Handle(ctx context.Context, ev mq.Event) error {
	e, err := lookup(s.Book, ev)
	if err != nil {
		return err
	}
	return s.Fire(ctx, e)
}

// Fire bids on e if its snipe is due. Only one caller submits a given
// snipe; late or duplicate calls return nil.
func (s *Sniper) Fire(ctx context.Context, e *auction.Entry) error {
	armed := e.IsSniped()
	if !e.CheckSnipe(s.now(), s.offset()) {
		if armed && !e.IsSniped() {
			s.Metrics.RecordMissedSnipe()
		}
		return nil
	}
	if !e.ClaimSnipe() {
		return nil
	}

	snipe := e.Snipe()
	log.Info().
		Str("auction", e.Identifier()).
		Str("bid", snipe.Bid.String()).
		Int("quantity", snipe.Quantity).
		Msg("firing snipe")

	if err := e.Server().Bid(ctx, e.Identifier(), snipe.Bid, snipe.Quantity); err != nil {
		s.Metrics.RecordSnipe(true)
		e.SnipeFailed(err.Error())
		return fmt.Errorf("snipe %s: %w", e.Identifier(), err)
	}
	s.Metrics.RecordSnipe(false)
	e.SnipeCompleted(s.now())
	return nil
}
