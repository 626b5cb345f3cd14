package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipewatch/internal/domain"
	"snipewatch/internal/multisnipe"
	"snipewatch/internal/record"
)

type fakeServer struct {
	mu    sync.Mutex
	user  string
	delta time.Duration
}

func (f *fakeServer) Name() string   { return "fake" }
func (f *fakeServer) UserID() string { return f.user }

func (f *fakeServer) TimeDelta() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delta
}

func (f *fakeServer) Reload(context.Context, string) (domain.AuctionInfo, error) {
	return domain.AuctionInfo{}, nil
}

func (f *fakeServer) Bid(context.Context, string, domain.Money, int) error { return nil }

func loaded(t *testing.T, id string, srv Server, groups *multisnipe.Registry, end time.Time) *Entry {
	t.Helper()
	e := NewEntry(id, srv, groups, t0)
	e.SetInfo(InfoFrom(domain.AuctionInfo{Identifier: id, Title: "item " + id, End: end, CurrentBid: usd(t, "1")}))
	return e
}

func TestNewEntryDefaults(t *testing.T) {
	e := NewEntry("100", &fakeServer{}, nil, t0)

	assert.Equal(t, FarFuture, e.EndDate())
	assert.True(t, e.Timing().NeedsUpdate())
	assert.True(t, e.Timing().IsJustAdded())
	assert.False(t, e.IsSniped())
	assert.Equal(t, DefaultSnipeOffset, e.Snipe().Offset)
	assert.Equal(t, "", e.Title())
}

func TestEntryCheckSnipeAppliesServerSkew(t *testing.T) {
	srv := &fakeServer{delta: 2 * time.Second}
	e := loaded(t, "1", srv, nil, t0.Add(60*time.Second))
	e.PrepareSnipe(usd(t, "20"), 1)

	assert.False(t, e.CheckSnipe(t0.Add(27*time.Second), 30*time.Second))
	assert.True(t, e.CheckSnipe(t0.Add(28*time.Second), 30*time.Second))
	assert.Equal(t, t0.Add(28*time.Second), e.SnipeDate(30*time.Second))
}

func TestEntryCheckSnipePastEndLeavesGroup(t *testing.T) {
	groups := multisnipe.NewRegistry()
	g := groups.Create("red", usd(t, "9"), false)
	e := loaded(t, "1", &fakeServer{}, groups, t0)
	other := loaded(t, "2", &fakeServer{}, groups, t0.Add(time.Hour))
	e.JoinGroup(g)
	other.JoinGroup(g)
	require.True(t, e.IsSniped())

	assert.False(t, e.CheckSnipe(t0.Add(time.Second), 30*time.Second))
	assert.False(t, e.IsSniped())
	assert.Equal(t, "USD 9.00", e.Snipe().CancelledBid.String())
	assert.Equal(t, int64(0), e.GroupID())
	assert.Equal(t, []string{"2"}, g.Members())
	assert.Contains(t, e.Status(), "past auction-end")
}

func TestEntryClaimSnipeOnce(t *testing.T) {
	e := loaded(t, "1", &fakeServer{}, nil, t0.Add(10*time.Second))
	assert.False(t, e.ClaimSnipe(), "nothing armed")

	e.PrepareSnipe(usd(t, "15"), 2)
	require.True(t, e.CheckSnipe(t0, 30*time.Second))
	require.True(t, e.ClaimSnipe())
	assert.False(t, e.ClaimSnipe())
	assert.True(t, e.SnipeInFlight())
	assert.False(t, e.CheckSnipe(t0, 30*time.Second), "in-flight snipe is not due again")

	e.Timing().ClearNeedsUpdate(t0)
	e.SnipeCompleted(t0.Add(time.Second))
	assert.False(t, e.IsSniped())
	assert.False(t, e.SnipeInFlight())
	assert.True(t, e.Timing().NeedsUpdate())

	last := e.LastBid()
	assert.Equal(t, "USD 15.00", last.Amount.String())
	assert.Equal(t, 2, last.Quantity)
	assert.Equal(t, t0.Add(time.Second), last.When)
}

func TestEntrySnipeFailedKeepsCancelledAmount(t *testing.T) {
	e := loaded(t, "1", &fakeServer{}, nil, t0.Add(10*time.Second))
	e.PrepareSnipe(usd(t, "15"), 1)
	require.True(t, e.ClaimSnipe())

	e.SnipeFailed("connection refused")
	assert.False(t, e.IsSniped())
	assert.False(t, e.SnipeInFlight())
	assert.Equal(t, "USD 15.00", e.Snipe().CancelledBid.String())
	assert.Equal(t, "Snipe failed: connection refused", e.Status())
}

func TestEntryPrepareZeroBidCancels(t *testing.T) {
	groups := multisnipe.NewRegistry()
	g := groups.Create("red", usd(t, "9"), false)
	e := loaded(t, "1", &fakeServer{}, groups, t0.Add(time.Hour))
	e.JoinGroup(g)

	e.PrepareSnipe(domain.Money{}, 1)
	assert.False(t, e.IsSniped())
	assert.Nil(t, e.Group())
	assert.Nil(t, groups.Lookup(g.ID()))
}

func TestEntrySetSnipeOffset(t *testing.T) {
	e := loaded(t, "1", &fakeServer{}, nil, t0.Add(time.Minute))
	e.SetSnipeOffset(5 * time.Second)
	assert.Equal(t, t0.Add(55*time.Second), e.SnipeDate(30*time.Second))
	e.SetSnipeOffset(-5)
	assert.Equal(t, DefaultSnipeOffset, e.Snipe().Offset)
}

func TestEntryIsWinning(t *testing.T) {
	srv := &fakeServer{user: "Collector42"}
	e := NewEntry("1", srv, nil, t0)
	assert.False(t, e.IsWinning())

	e.SetInfo(InfoFrom(domain.AuctionInfo{HighBidder: "collector42", ReserveMet: true}))
	assert.True(t, e.IsWinning())

	e.SetInfo(InfoFrom(domain.AuctionInfo{HighBidder: "collector42"}))
	assert.False(t, e.IsWinning(), "reserve not met")
}

func TestEntrySettleWinningCancelsGroup(t *testing.T) {
	srv := &fakeServer{user: "me"}
	groups := multisnipe.NewRegistry()
	g := groups.Create("blue", usd(t, "30"), false)

	won := NewEntry("w", srv, groups, t0)
	lost := NewEntry("l", srv, groups, t0)
	won.JoinGroup(g)
	lost.JoinGroup(g)

	won.SetInfo(InfoFrom(domain.AuctionInfo{End: t0, HighBidder: "me", ReserveMet: true}))
	won.Timing().MarkEnded()
	won.SnipeCompleted(t0)

	won.Settle(t0.Add(time.Minute))

	assert.False(t, lost.IsSniped())
	assert.Equal(t, int64(0), lost.GroupID())
	assert.Equal(t, g.ID(), won.GroupID())
	assert.Equal(t, []string{"w"}, g.Members())
}

func TestEntrySettleLostLeavesGroup(t *testing.T) {
	srv := &fakeServer{user: "me"}
	groups := multisnipe.NewRegistry()
	g := groups.Create("blue", usd(t, "30"), false)
	a := NewEntry("a", srv, groups, t0)
	b := NewEntry("b", srv, groups, t0)
	a.JoinGroup(g)
	b.JoinGroup(g)

	a.SetInfo(InfoFrom(domain.AuctionInfo{End: t0, HighBidder: "someone"}))
	a.Timing().MarkEnded()
	a.Settle(t0.Add(time.Minute))

	assert.False(t, a.IsSniped())
	assert.Equal(t, "USD 30.00", a.Snipe().CancelledBid.String())
	assert.True(t, b.IsSniped())
	assert.Equal(t, []string{"b"}, g.Members())
}

func TestEntrySettleRunningAuctionPastEnd(t *testing.T) {
	e := loaded(t, "1", &fakeServer{}, nil, t0)
	e.Timing().ClearNeedsUpdate(t0)

	e.Settle(t0.Add(-time.Second))
	assert.False(t, e.Timing().Ended())

	e.Settle(t0.Add(time.Second))
	assert.True(t, e.Timing().Ended())
	assert.True(t, e.Timing().IsUpdateForced())
}

func TestRecordRestoreRejoinsSharedGroup(t *testing.T) {
	srv := &fakeServer{}
	groups := multisnipe.NewRegistry()
	g := groups.Create("#00ff00", usd(t, "12"), true)

	a := loaded(t, "a", srv, groups, t0.Add(time.Hour))
	b := loaded(t, "b", srv, groups, t0.Add(2*time.Hour))
	a.JoinGroup(g)
	b.PrepareSnipe(usd(t, "20"), 1)
	b.SetSnipeOffset(8 * time.Second)
	b.JoinGroup(g)
	b.SetLastBid(domain.Bid{Amount: usd(t, "3"), Quantity: 1})
	b.SetComment("spare")

	recA, recB := a.Record(), b.Record()
	require.NotNil(t, recA.MultiSnipe)
	assert.Equal(t, int64(-1), recA.Snipe.SecondsPrior)
	assert.Equal(t, int64(8000), recB.Snipe.SecondsPrior)
	assert.Equal(t, int64(0), recB.Bid.When)

	fresh := multisnipe.NewRegistry()
	ra, err := Restore(recA, srv, fresh)
	require.NoError(t, err)
	rb, err := Restore(recB, srv, fresh)
	require.NoError(t, err)

	require.NotNil(t, ra.Group())
	assert.Same(t, ra.Group(), rb.Group())
	assert.Equal(t, []string{"a", "b"}, ra.Group().Members())
	assert.True(t, ra.Group().SubtractShipping())
	assert.Equal(t, "USD 12.00", ra.Snipe().Bid.String())
	assert.Equal(t, "USD 20.00", rb.Snipe().Bid.String())
	assert.Equal(t, 8*time.Second, rb.Snipe().Offset)
	assert.Equal(t, DefaultSnipeOffset, ra.Snipe().Offset)
	assert.Equal(t, t0.Add(2*time.Hour).UnixMilli(), rb.EndDate().UnixMilli())
	assert.Equal(t, "spare", rb.Comment())
	assert.True(t, rb.LastBid().When.IsZero())
	assert.True(t, rb.Timing().NeedsUpdate())
}

func TestRestoreCompleteAndInvalid(t *testing.T) {
	e, err := Restore(record.Auction{ID: "z", Complete: &record.Flag{}, Invalid: &record.Flag{}}, &fakeServer{}, nil)
	require.NoError(t, err)
	assert.True(t, e.Timing().Ended())
	assert.False(t, e.Timing().NeedsUpdate())
	assert.True(t, e.Invalid())
	assert.Equal(t, FarFuture, e.EndDate())

	rec := e.Record()
	assert.NotNil(t, rec.Complete)
	assert.NotNil(t, rec.Invalid)
	assert.Nil(t, rec.Info)
}

func TestRestoreRejectsBadPrice(t *testing.T) {
	_, err := Restore(record.Auction{ID: "z", Snipe: &record.Snipe{Currency: "USD", Price: "abc"}}, &fakeServer{}, nil)
	assert.Error(t, err)

	_, err = Restore(record.Auction{}, &fakeServer{}, nil)
	assert.ErrorIs(t, err, record.ErrMissingID)
}

func TestBookOrdersByEnd(t *testing.T) {
	b := NewBook()
	srv := &fakeServer{}
	late := loaded(t, "late", srv, nil, t0.Add(2*time.Hour))
	early := loaded(t, "early", srv, nil, t0.Add(time.Hour))
	unknown := NewEntry("unknown", srv, nil, t0)

	assert.True(t, b.Add(late))
	assert.True(t, b.Add(early))
	assert.True(t, b.Add(unknown))
	assert.False(t, b.Add(loaded(t, "late", srv, nil, t0)))
	assert.Equal(t, 3, b.Len())

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"early", "late", "unknown"}, []string{all[0].Identifier(), all[1].Identifier(), all[2].Identifier()})

	got, ok := b.Get("early")
	assert.True(t, ok)
	assert.Same(t, early, got)
	assert.Same(t, early, b.Remove("early"))
	assert.Nil(t, b.Remove("early"))
	assert.Equal(t, 2, b.Len())
}

type biddingServer struct {
	fakeServer
	err  error
	bids []domain.Money
}

func (b *biddingServer) Bid(_ context.Context, _ string, amount domain.Money, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.bids = append(b.bids, amount)
	return nil
}

func TestEntryPlaceBidRecordsLastBid(t *testing.T) {
	srv := &biddingServer{}
	e := loaded(t, "1", srv, nil, t0.Add(time.Hour))
	e.Timing().ClearNeedsUpdate(t0)

	require.NoError(t, e.PlaceBid(context.Background(), usd(t, "12"), 0, t0))
	assert.Equal(t, []domain.Money{usd(t, "12")}, srv.bids)
	last := e.LastBid()
	assert.Equal(t, "USD 12.00", last.Amount.String())
	assert.Equal(t, 1, last.Quantity)
	assert.Equal(t, t0, last.When)
	assert.True(t, e.Timing().NeedsUpdate())

	assert.Error(t, e.PlaceBid(context.Background(), domain.Money{}, 1, t0))

	srv.err = errors.New("outbid")
	require.Error(t, e.PlaceBid(context.Background(), usd(t, "13"), 1, t0.Add(time.Second)))
	assert.Equal(t, "USD 12.00", e.LastBid().Amount.String())
	assert.Equal(t, "Bid failed: outbid", e.Status())
}

func TestEntryBuyUsesBuyNowPrice(t *testing.T) {
	srv := &biddingServer{}
	e := loaded(t, "1", srv, nil, t0.Add(time.Hour))
	assert.ErrorIs(t, e.Buy(context.Background(), 1, t0), ErrNoBuyNow)

	e.SetInfo(InfoFrom(domain.AuctionInfo{End: t0.Add(time.Hour), BuyNow: usd(t, "99")}))
	require.NoError(t, e.Buy(context.Background(), 2, t0))
	assert.Equal(t, "USD 99.00", e.LastBid().Amount.String())
	assert.Equal(t, 2, e.LastBid().Quantity)
}

func TestEntryShippingOverride(t *testing.T) {
	e := NewEntry("1", &fakeServer{}, nil, t0)
	assert.True(t, e.Shipping().IsZero())

	e.SetInfo(InfoFrom(domain.AuctionInfo{Shipping: usd(t, "4")}))
	assert.Equal(t, "USD 4.00", e.Shipping().String())
	assert.False(t, e.ShippingOverridden())

	e.SetShipping(usd(t, "6"))
	assert.Equal(t, "USD 6.00", e.Shipping().String())
	assert.True(t, e.ShippingOverridden())
}

func TestEntryJoinSubtractsShipping(t *testing.T) {
	groups := multisnipe.NewRegistry()
	g := groups.Create("red", usd(t, "30"), true)
	e := NewEntry("1", &fakeServer{}, groups, t0)
	e.SetInfo(InfoFrom(domain.AuctionInfo{Shipping: usd(t, "5")}))

	e.JoinGroup(g)
	assert.Equal(t, "USD 25.00", e.Snipe().Bid.String())
}

func TestEntryCategoryStickyOnceEnded(t *testing.T) {
	e := NewEntry("1", &fakeServer{}, nil, t0)
	e.SetCategory("watches")
	assert.Equal(t, "watches", e.Category())
	assert.False(t, e.IsSticky())

	e.Timing().MarkEnded()
	e.SetCategory("won")
	assert.True(t, e.IsSticky())
}

func TestRecordRestoreShippingAndCategory(t *testing.T) {
	e := loaded(t, "1", &fakeServer{}, nil, t0.Add(time.Hour))
	e.SetInfo(InfoFrom(domain.AuctionInfo{Title: "lamp", End: t0.Add(time.Hour), Shipping: usd(t, "4"), BuyNow: usd(t, "50")}))
	e.SetCategory("lighting")
	e.SetSticky(true)

	rec := e.Record()
	require.NotNil(t, rec.Shipping)
	assert.Equal(t, "4", rec.Shipping.Price)
	assert.False(t, rec.Shipping.Overridden)
	require.NotNil(t, rec.Category)
	assert.Equal(t, "lighting", rec.Category.Name)

	back, err := Restore(rec, &fakeServer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "USD 4.00", back.Shipping().String())
	assert.False(t, back.ShippingOverridden())
	assert.Equal(t, "USD 50.00", back.Info().BuyNow().String())
	assert.Equal(t, "lighting", back.Category())
	assert.True(t, back.IsSticky())

	e.SetShipping(usd(t, "0"))
	rec = e.Record()
	require.NotNil(t, rec.Shipping)
	assert.True(t, rec.Shipping.Overridden)
	back, err = Restore(rec, &fakeServer{}, nil)
	require.NoError(t, err)
	assert.True(t, back.ShippingOverridden())
	assert.True(t, back.Shipping().IsZero())
}
