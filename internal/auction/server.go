package auction

import (
	"context"
	"time"

	"snipewatch/internal/domain"
)

// Info is what the timing and snipe logic need to know about the remote
// auction.
type Info interface {
	Title() string
	EndDate() time.Time
	CurrentBid() domain.Money
	HighBidder() string
	ReserveMet() bool
	Shipping() domain.Money
	// BuyNow is zero when the auction has no fixed price.
	BuyNow() domain.Money
}

// Server is the auction site an entry lives on.
type Server interface {
	Name() string
	UserID() string
	// TimeDelta is added to local time to approximate the server clock.
	TimeDelta() time.Duration
	Reload(ctx context.Context, identifier string) (domain.AuctionInfo, error)
	Bid(ctx context.Context, identifier string, amount domain.Money, quantity int) error
}

type staticInfo struct{ a domain.AuctionInfo }

// InfoFrom wraps parsed auction data as an Info.
func InfoFrom(a domain.AuctionInfo) Info { return staticInfo{a: a} }

func (s staticInfo) Title() string            { return s.a.Title }
func (s staticInfo) CurrentBid() domain.Money { return s.a.CurrentBid }
func (s staticInfo) HighBidder() string       { return s.a.HighBidder }
func (s staticInfo) ReserveMet() bool         { return s.a.ReserveMet }
func (s staticInfo) Shipping() domain.Money   { return s.a.Shipping }
func (s staticInfo) BuyNow() domain.Money     { return s.a.BuyNow }

func (s staticInfo) EndDate() time.Time {
	if s.a.End.IsZero() {
		return FarFuture
	}
	return s.a.End
}
