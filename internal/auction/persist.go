package auction

import (
	"fmt"
	"time"

	"snipewatch/internal/domain"
	"snipewatch/internal/multisnipe"
	"snipewatch/internal/record"
)

// Record captures the entry in its stored form. Pending timers are not part
// of it; they are rebuilt from the timing state after a restart.
func (e *Entry) Record() record.Auction {
	rec := record.Auction{ID: e.id}

	e.mu.Lock()
	info := e.info
	snipe := e.snipe
	last := e.lastBid
	invalid := e.invalid
	shipping, shippingSet := e.shipping, e.shippingSet
	category, sticky := e.category, e.sticky
	rec.Comment = e.comment
	e.mu.Unlock()

	if info != nil {
		ri := &record.Info{
			Title:      info.Title(),
			Currency:   info.CurrentBid().Currency,
			HighBidder: info.HighBidder(),
			ReserveMet: info.ReserveMet(),
		}
		if cb := info.CurrentBid(); !cb.IsZero() {
			ri.Price = cb.Price()
		}
		if end := info.EndDate(); !end.Equal(FarFuture) {
			ri.End = end.UnixMilli()
		}
		if bn := info.BuyNow(); !bn.IsZero() {
			ri.BuyNowCur, ri.BuyNow = bn.Currency, bn.Price()
		}
		rec.Info = ri
		if !shippingSet {
			shipping = info.Shipping()
		}
	}
	if shippingSet || !shipping.IsZero() {
		rec.Shipping = &record.Shipping{
			Currency:   shipping.Currency,
			Price:      shipping.Price(),
			Overridden: shippingSet,
		}
	}
	if category != "" {
		rec.Category = &record.Category{Name: category, Sticky: sticky}
	}

	if !last.Amount.IsZero() {
		rb := &record.Bid{Quantity: last.Quantity, Currency: last.Amount.Currency, Price: last.Amount.Price()}
		if !last.When.IsZero() {
			rb.When = last.When.UnixMilli()
		}
		rec.Bid = rb
	}

	if snipe.Armed() {
		prior := int64(-1)
		if snipe.Offset != DefaultSnipeOffset {
			prior = snipe.Offset.Milliseconds()
		}
		rec.Snipe = &record.Snipe{
			Quantity:     snipe.Quantity,
			Currency:     snipe.Bid.Currency,
			Price:        snipe.Bid.Price(),
			SecondsPrior: prior,
		}
	}

	if g := e.Group(); g != nil {
		rec.MultiSnipe = &record.MultiSnipe{
			SubtractShipping: g.SubtractShipping(),
			Color:            g.Color(),
			Default:          g.DefaultBid().String(),
			ID:               g.ID(),
		}
	}

	if e.timing.Ended() {
		rec.Complete = &record.Flag{}
	}
	if invalid {
		rec.Invalid = &record.Flag{}
	}
	return rec
}

// Restore rebuilds an entry from its stored form. A multisnipe fragment is
// resolved through groups so that records sharing a group id share one
// group.
func Restore(rec record.Auction, srv Server, groups *multisnipe.Registry) (*Entry, error) {
	if rec.ID == "" {
		return nil, record.ErrMissingID
	}
	e := newEntry(rec.ID, srv, groups)

	if ri := rec.Info; ri != nil {
		cb, err := domain.ParseMoney(ri.Currency, ri.Price)
		if err != nil {
			return nil, fmt.Errorf("auction %s info: %w", rec.ID, err)
		}
		ai := domain.AuctionInfo{
			Identifier: rec.ID,
			Title:      ri.Title,
			CurrentBid: cb,
			HighBidder: ri.HighBidder,
			ReserveMet: ri.ReserveMet,
		}
		if ri.End != 0 {
			ai.End = time.UnixMilli(ri.End)
		}
		if ai.BuyNow, err = domain.ParseMoney(ri.BuyNowCur, ri.BuyNow); err != nil {
			return nil, fmt.Errorf("auction %s buy-now: %w", rec.ID, err)
		}
		if rs := rec.Shipping; rs != nil && !rs.Overridden {
			if ai.Shipping, err = domain.ParseMoney(rs.Currency, rs.Price); err != nil {
				return nil, fmt.Errorf("auction %s shipping: %w", rec.ID, err)
			}
		}
		e.info = InfoFrom(ai)
	}

	if rs := rec.Shipping; rs != nil && rs.Overridden {
		amt, err := domain.ParseMoney(rs.Currency, rs.Price)
		if err != nil {
			return nil, fmt.Errorf("auction %s shipping: %w", rec.ID, err)
		}
		e.shipping, e.shippingSet = amt, true
	}
	if rc := rec.Category; rc != nil {
		e.category, e.sticky = rc.Name, rc.Sticky
	}

	if rb := rec.Bid; rb != nil {
		amt, err := domain.ParseMoney(rb.Currency, rb.Price)
		if err != nil {
			return nil, fmt.Errorf("auction %s bid: %w", rec.ID, err)
		}
		e.lastBid = domain.Bid{Amount: amt, Quantity: rb.Quantity}
		if rb.When != 0 {
			e.lastBid.When = time.UnixMilli(rb.When)
		}
	}

	if rs := rec.Snipe; rs != nil {
		amt, err := domain.ParseMoney(rs.Currency, rs.Price)
		if err != nil {
			return nil, fmt.Errorf("auction %s snipe: %w", rec.ID, err)
		}
		e.snipe.Arm(amt, rs.Quantity)
		if rs.SecondsPrior >= 0 {
			e.snipe.Offset = time.Duration(rs.SecondsPrior) * time.Millisecond
		}
	}

	if rm := rec.MultiSnipe; rm != nil && groups != nil {
		def, err := domain.ParseFullMoney(rm.Default)
		if err != nil {
			return nil, fmt.Errorf("auction %s multisnipe %d: %w", rec.ID, rm.ID, err)
		}
		e.JoinGroup(groups.LookupOrCreate(rm.ID, rm.Color, def, rm.SubtractShipping))
	}

	if rec.Complete != nil {
		e.timing.MarkEnded()
	} else {
		e.timing.SetNeedsUpdate()
	}
	e.invalid = rec.Invalid != nil
	e.comment = rec.Comment
	return e, nil
}
