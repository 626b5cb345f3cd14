package api

import (
	"time"

	"snipewatch/internal/auction"
	"snipewatch/internal/multisnipe"
)

type snipeView struct {
	Bid      string    `json:"bid"`
	Quantity int       `json:"quantity"`
	OffsetMS int64     `json:"offset_ms"`
	FiresAt  time.Time `json:"fires_at"`
}

type auctionView struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	End        *time.Time `json:"end,omitempty"`
	CurrentBid string     `json:"current_bid,omitempty"`
	HighBidder string     `json:"high_bidder,omitempty"`
	Winning    bool       `json:"winning"`
	Invalid    bool       `json:"invalid"`
	Status     string     `json:"status,omitempty"`
	Comment    string     `json:"comment,omitempty"`

	Shipping           string `json:"shipping,omitempty"`
	ShippingOverridden bool   `json:"shipping_overridden,omitempty"`
	BuyNow             string `json:"buy_now,omitempty"`
	Category           string `json:"category,omitempty"`
	Sticky             bool   `json:"sticky,omitempty"`

	Snipe          *snipeView `json:"snipe,omitempty"`
	CancelledSnipe string     `json:"cancelled_snipe,omitempty"`
	LastBid        string     `json:"last_bid,omitempty"`
	GroupID        int64      `json:"group_id,omitempty"`

	Timing auction.TimingState `json:"timing"`
}

func (s *Server) view(e *auction.Entry) auctionView {
	v := auctionView{
		ID:      e.Identifier(),
		Title:   e.Title(),
		Winning: e.IsWinning(),
		Invalid: e.Invalid(),
		Status:  e.Status(),
		Comment: e.Comment(),
		GroupID: e.GroupID(),
		Timing:  e.Timing().State(),

		ShippingOverridden: e.ShippingOverridden(),
		Category:           e.Category(),
		Sticky:             e.IsSticky(),
	}
	if ship := e.Shipping(); !ship.IsZero() || v.ShippingOverridden {
		v.Shipping = ship.String()
	}
	if end := e.EndDate(); !end.Equal(auction.FarFuture) {
		v.End = &end
	}
	if info := e.Info(); info != nil {
		if cur := info.CurrentBid(); !cur.IsZero() {
			v.CurrentBid = cur.String()
		}
		v.HighBidder = info.HighBidder()
		if bn := info.BuyNow(); !bn.IsZero() {
			v.BuyNow = bn.String()
		}
	}

	sn := e.Snipe()
	if sn.Armed() {
		offset := sn.Offset
		if offset != auction.DefaultSnipeOffset {
			offset = offset / time.Millisecond
		}
		v.Snipe = &snipeView{
			Bid:      sn.Bid.String(),
			Quantity: sn.Quantity,
			OffsetMS: int64(offset),
		}
		if v.End != nil {
			v.Snipe.FiresAt = e.SnipeDate(s.d.SnipeOffset())
		}
	}
	if !sn.CancelledBid.IsZero() {
		v.CancelledSnipe = sn.CancelledBid.String()
	}
	if lb := e.LastBid(); !lb.Amount.IsZero() {
		v.LastBid = lb.Amount.String()
	}
	return v
}

type groupView struct {
	ID               int64    `json:"id"`
	Color            string   `json:"color"`
	DefaultBid       string   `json:"default_bid"`
	SubtractShipping bool     `json:"subtract_shipping"`
	Members          []string `json:"members"`
}

func viewGroup(g *multisnipe.Group) groupView {
	return groupView{
		ID:               g.ID(),
		Color:            g.Color(),
		DefaultBid:       g.DefaultBid().String(),
		SubtractShipping: g.SubtractShipping(),
		Members:          g.Members(),
	}
}
