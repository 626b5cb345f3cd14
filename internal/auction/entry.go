package auction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"snipewatch/internal/domain"
	"snipewatch/internal/multisnipe"
)

// Entry is one monitored auction: its last known state, its timing and its
// snipe. It implements multisnipe.Member.
type Entry struct {
	id     string
	server Server
	groups *multisnipe.Registry
	timing *Timing

	mu      sync.Mutex
	info    Info
	snipe   Snipe
	firing  bool
	groupID int64
	lastBid domain.Bid
	invalid bool
	status  string
	comment string

	shipping    domain.Money
	shippingSet bool
	category    string
	sticky      bool
}

// ErrNoBuyNow is returned by Buy for auctions without a fixed price.
var ErrNoBuyNow = errors.New("auction has no buy-now price")

var _ multisnipe.Member = (*Entry)(nil)

func newEntry(id string, srv Server, groups *multisnipe.Registry) *Entry {
	return &Entry{
		id:     id,
		server: srv,
		groups: groups,
		timing: NewTiming(),
		snipe:  Snipe{Offset: DefaultSnipeOffset},
	}
}

// NewEntry creates an entry the user just added. It wants an immediate
// refresh and is flagged as new for a few minutes.
func NewEntry(id string, srv Server, groups *multisnipe.Registry, now time.Time) *Entry {
	e := newEntry(id, srv, groups)
	e.timing.MarkJustAdded(now.Add(JustAddedWindow))
	e.timing.SetNeedsUpdate()
	return e
}

func (e *Entry) Identifier() string { return e.id }
func (e *Entry) Server() Server     { return e.server }
func (e *Entry) Timing() *Timing    { return e.timing }

func (e *Entry) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// SetInfo stores freshly parsed auction data and clears the invalid flag.
func (e *Entry) SetInfo(info Info) {
	e.mu.Lock()
	e.info = info
	e.invalid = false
	e.mu.Unlock()
}

func (e *Entry) Title() string {
	if info := e.Info(); info != nil {
		return info.Title()
	}
	return ""
}

// EndDate is FarFuture until the auction has been loaded.
func (e *Entry) EndDate() time.Time {
	info := e.Info()
	if info == nil {
		return FarFuture
	}
	end := info.EndDate()
	if end.IsZero() {
		return FarFuture
	}
	return end
}

func (e *Entry) skew() time.Duration {
	if e.server == nil {
		return 0
	}
	return e.server.TimeDelta()
}

func (e *Entry) CheckUpdate(now time.Time) bool {
	return e.timing.CheckUpdate(now, e.skew(), e.EndDate())
}

// CheckSnipe reports whether the snipe is due at local time now. A snipe
// that is already being submitted is never due again.
func (e *Entry) CheckSnipe(now time.Time, defaultOffset time.Duration) bool {
	serverNow := now.Add(e.skew())
	end := e.EndDate()

	e.mu.Lock()
	if e.firing {
		e.mu.Unlock()
		return false
	}
	wasArmed := e.snipe.Armed()
	due := e.snipe.Check(serverNow, end, defaultOffset)
	missed := wasArmed && !e.snipe.Armed()
	if missed {
		e.status = "Cancelling snipe, time is suddenly past auction-end."
	}
	e.mu.Unlock()

	if missed {
		log.Warn().Str("auction", e.id).Time("end", end).Msg("snipe cancelled, auction already ended")
		e.leaveGroup()
	}
	return due
}

// SnipeDate is the local time at which the snipe should fire.
func (e *Entry) SnipeDate(defaultOffset time.Duration) time.Time {
	e.mu.Lock()
	offset := e.snipe.EffectiveOffset(defaultOffset)
	e.mu.Unlock()
	return e.EndDate().Add(-offset).Add(-e.skew())
}

// ClaimSnipe marks an armed snipe as being submitted. Only one caller wins.
func (e *Entry) ClaimSnipe() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.snipe.Armed() || e.firing {
		return false
	}
	e.firing = true
	return true
}

func (e *Entry) SnipeInFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firing
}

// PrepareSnipe arms a snipe; a zero bid cancels it.
func (e *Entry) PrepareSnipe(bid domain.Money, quantity int) {
	if bid.IsZero() {
		e.CancelSnipe(false)
		return
	}
	e.mu.Lock()
	e.snipe.Arm(bid, quantity)
	e.mu.Unlock()
}

func (e *Entry) SetSnipeOffset(d time.Duration) {
	if d < 0 {
		d = DefaultSnipeOffset
	}
	e.mu.Lock()
	e.snipe.Offset = d
	e.mu.Unlock()
}

// CancelSnipe disarms the snipe and takes the entry out of its group.
func (e *Entry) CancelSnipe(afterEnd bool) {
	e.mu.Lock()
	if e.snipe.Armed() {
		e.status = "Cancelling snipe."
	}
	e.snipe.Disarm(afterEnd)
	e.firing = false
	e.mu.Unlock()
	e.leaveGroup()
}

// SnipeCompleted records the fired snipe as the last bid and asks for a
// refresh to see how it went.
func (e *Entry) SnipeCompleted(now time.Time) {
	e.mu.Lock()
	e.lastBid = domain.Bid{Amount: e.snipe.Bid, Quantity: e.snipe.Quantity, When: now}
	e.snipe.Disarm(false)
	e.firing = false
	e.status = "Snipe submitted."
	e.mu.Unlock()
	e.timing.SetNeedsUpdate()
}

// SnipeFailed gives up on a snipe that could not be submitted.
func (e *Entry) SnipeFailed(reason string) {
	e.mu.Lock()
	e.snipe.Disarm(true)
	e.firing = false
	e.status = "Snipe failed: " + reason
	e.mu.Unlock()
	e.leaveGroup()
	e.timing.SetNeedsUpdate()
}

func (e *Entry) Snipe() Snipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snipe
}

func (e *Entry) IsSniped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snipe.Armed()
}

func (e *Entry) LastBid() domain.Bid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBid
}

func (e *Entry) SetLastBid(b domain.Bid) {
	e.mu.Lock()
	e.lastBid = b
	e.mu.Unlock()
}

func (e *Entry) GroupID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupID
}

// SetGroupID is called by multisnipe.Registry only.
func (e *Entry) SetGroupID(id int64) {
	e.mu.Lock()
	e.groupID = id
	e.mu.Unlock()
}

func (e *Entry) ArmSnipe(bid domain.Money) {
	e.mu.Lock()
	e.snipe.Arm(bid, 1)
	e.mu.Unlock()
}

// DisarmSnipe clears the snipe without touching group membership.
func (e *Entry) DisarmSnipe() {
	e.mu.Lock()
	e.snipe.Disarm(false)
	e.mu.Unlock()
}

// JoinGroup makes the entry one of the alternatives in g.
func (e *Entry) JoinGroup(g *multisnipe.Group) {
	if e.groups == nil || g == nil {
		return
	}
	e.groups.Join(g, e)
}

func (e *Entry) Group() *multisnipe.Group {
	if e.groups == nil {
		return nil
	}
	return e.groups.Lookup(e.GroupID())
}

// Shipping is the user's override if one is set, otherwise the shipping
// cost from the last refresh.
func (e *Entry) Shipping() domain.Money {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shippingSet {
		return e.shipping
	}
	if e.info != nil {
		return e.info.Shipping()
	}
	return domain.Money{}
}

// SetShipping overrides the shipping cost reported by the server.
func (e *Entry) SetShipping(m domain.Money) {
	e.mu.Lock()
	e.shipping = m
	e.shippingSet = true
	e.mu.Unlock()
}

func (e *Entry) ShippingOverridden() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shippingSet
}

func (e *Entry) Category() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.category
}

// SetCategory files the entry under name. Ended auctions keep the category
// they are given.
func (e *Entry) SetCategory(name string) {
	ended := e.timing.Ended()
	e.mu.Lock()
	e.category = name
	if ended {
		e.sticky = true
	}
	e.mu.Unlock()
}

func (e *Entry) IsSticky() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sticky
}

func (e *Entry) SetSticky(b bool) {
	e.mu.Lock()
	e.sticky = b
	e.mu.Unlock()
}

// PlaceBid bids amount on quantity items right away. A successful bid
// becomes the last bid and asks for a refresh.
func (e *Entry) PlaceBid(ctx context.Context, amount domain.Money, quantity int, now time.Time) error {
	if amount.IsZero() {
		return fmt.Errorf("bid on %s: amount is required", e.id)
	}
	if quantity <= 0 {
		quantity = 1
	}
	if e.server == nil {
		return fmt.Errorf("bid on %s: no server", e.id)
	}
	log.Info().Str("auction", e.id).Str("bid", amount.String()).Int("quantity", quantity).Msg("placing bid")
	if err := e.server.Bid(ctx, e.id, amount, quantity); err != nil {
		e.SetStatus("Bid failed: " + err.Error())
		return fmt.Errorf("bid on %s: %w", e.id, err)
	}
	e.mu.Lock()
	e.lastBid = domain.Bid{Amount: amount, Quantity: quantity, When: now}
	e.status = "Bid submitted."
	e.mu.Unlock()
	e.timing.SetNeedsUpdate()
	return nil
}

// Buy purchases quantity items at the buy-now price.
func (e *Entry) Buy(ctx context.Context, quantity int, now time.Time) error {
	info := e.Info()
	if info == nil || info.BuyNow().IsZero() {
		return ErrNoBuyNow
	}
	return e.PlaceBid(ctx, info.BuyNow(), quantity, now)
}

// LeaveGroup takes the entry out of its group, keeping its snipe.
func (e *Entry) LeaveGroup() { e.leaveGroup() }

func (e *Entry) leaveGroup() {
	if e.groups == nil || e.GroupID() == 0 {
		return
	}
	e.groups.Leave(e)
}

// IsWinning reports whether the configured user leads the auction with the
// reserve met.
func (e *Entry) IsWinning() bool {
	info := e.Info()
	if info == nil || e.server == nil {
		return false
	}
	user := strings.TrimSpace(e.server.UserID())
	return user != "" && strings.EqualFold(user, strings.TrimSpace(info.HighBidder())) && info.ReserveMet()
}

// Settle runs after a successful refresh. An ended auction reports its
// outcome to its group and drops any remaining snipe; a running one is
// checked against its end date.
func (e *Entry) Settle(now time.Time) {
	if !e.timing.Ended() {
		if e.timing.ObserveEnd(now, e.skew(), e.EndDate()) {
			log.Info().Str("auction", e.id).Msg("auction passed its end, scheduling final update")
		}
		return
	}

	if e.GroupID() != 0 && e.groups != nil {
		e.groups.ReportOutcome(e, e.IsWinning())
	}
	if e.IsSniped() {
		e.CancelSnipe(true)
		e.SetStatus("Cancelling snipe, auction is reported as ended.")
	}
}

// MarkInvalid flags the entry after a failed refresh.
func (e *Entry) MarkInvalid(status string) {
	e.mu.Lock()
	e.invalid = true
	e.status = status
	e.mu.Unlock()
}

func (e *Entry) Invalid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalid
}

func (e *Entry) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Entry) SetStatus(s string) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Entry) Comment() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.comment
}

func (e *Entry) SetComment(s string) {
	e.mu.Lock()
	e.comment = s
	e.mu.Unlock()
}
