package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"snipewatch/internal/auction"
	"snipewatch/internal/domain"
	"snipewatch/internal/metrics"
	"snipewatch/internal/mq"
)

type fakeServer struct {
	mu      sync.Mutex
	info    domain.AuctionInfo
	err     error
	bidErr  error
	reloads int
	bids    []domain.Money
}

func (f *fakeServer) Name() string             { return "fake" }
func (f *fakeServer) UserID() string           { return "me" }
func (f *fakeServer) TimeDelta() time.Duration { return 0 }

func (f *fakeServer) Reload(_ context.Context, id string) (domain.AuctionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.err != nil {
		return domain.AuctionInfo{}, f.err
	}
	info := f.info
	info.Identifier = id
	return info, nil
}

func (f *fakeServer) Bid(_ context.Context, _ string, amount domain.Money, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bidErr != nil {
		return f.bidErr
	}
	f.bids = append(f.bids, amount)
	return nil
}

func money(t *testing.T, s string) domain.Money {
	t.Helper()
	m, err := domain.ParseFullMoney(s)
	require.NoError(t, err)
	return m
}

func TestPoolRoutesEventsToHandlers(t *testing.T) {
	hub := mq.NewHub()
	p := NewPool(2, time.Second)

	var got sync.Map
	var count atomic.Int32
	p.Handle("a", hub.Register("a", 4), HandlerFunc(func(_ context.Context, ev mq.Event) error {
		got.Store("a:"+ev.Type, true)
		count.Add(1)
		return nil
	}))
	p.Handle("b", hub.Register("b", 4), HandlerFunc(func(_ context.Context, ev mq.Event) error {
		got.Store("b:"+ev.Type, true)
		count.Add(1)
		return errors.New("logged, not fatal")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.NoError(t, hub.Deliver("a", "x"))
	require.NoError(t, hub.Deliver("b", mq.Event{Type: "y"}))
	require.NoError(t, hub.Deliver("b", "z"))

	assert.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, 5*time.Millisecond)
	for _, k := range []string{"a:x", "b:y", "b:z"} {
		_, ok := got.Load(k)
		assert.True(t, ok, k)
	}
	cancel()
	<-done
}

func TestPoolBoundsConcurrency(t *testing.T) {
	hub := mq.NewHub()
	p := NewPool(2, time.Second)

	var active, peak atomic.Int32
	var finished atomic.Int32
	p.Handle("work", hub.Register("work", 16), HandlerFunc(func(context.Context, mq.Event) error {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		finished.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 6; i++ {
		require.NoError(t, hub.Deliver("work", "job"))
	}
	assert.Eventually(t, func() bool { return finished.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRecoversPanics(t *testing.T) {
	hub := mq.NewHub()
	p := NewPool(1, time.Second)
	var calls atomic.Int32
	p.Handle("p", hub.Register("p", 4), HandlerFunc(func(_ context.Context, ev mq.Event) error {
		calls.Add(1)
		if ev.Type == "boom" {
			panic("boom")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, hub.Deliver("p", "boom"))
	require.NoError(t, hub.Deliver("p", "fine"))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRefreshUpdatesEntry(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{info: domain.AuctionInfo{Title: "Lamp", End: now.Add(time.Hour), CurrentBid: money(t, "USD 5")}}
	book := auction.NewBook()
	e := auction.NewEntry("1", srv, nil, now)
	e.MarkInvalid("stale")
	book.Add(e)

	reg := prometheus.NewRegistry()
	r := &Refresher{Book: book, Metrics: metrics.NewCollector(reg), Now: func() time.Time { return now }}
	require.NoError(t, r.Handle(context.Background(), NewRefresh("1")))

	assert.Equal(t, "Lamp", e.Title())
	assert.False(t, e.Invalid())
	assert.False(t, e.Timing().NeedsUpdate())
	assert.False(t, e.Timing().IsUpdating())
	assert.False(t, e.Timing().IsJustAdded())
	assert.Equal(t, now, e.Timing().LastUpdated())

	assert.Equal(t, float64(1), counterValue(t, reg, "snipewatch_updates_total"))
	assert.Equal(t, float64(0), counterValue(t, reg, "snipewatch_update_failures_total"))
}

func TestRefreshFailureMarksInvalidAndReleases(t *testing.T) {
	now := time.Now()
	srv := &fakeServer{err: errors.New("connection reset")}
	book := auction.NewBook()
	e := auction.NewEntry("1", srv, nil, now)
	book.Add(e)

	r := &Refresher{Book: book}
	err := r.Refresh(context.Background(), e)
	require.Error(t, err)

	assert.True(t, e.Invalid())
	assert.Contains(t, e.Status(), "connection reset")
	assert.False(t, e.Timing().IsUpdating(), "guard released after failure")
	assert.False(t, e.Timing().NeedsUpdate())
}

func TestRefreshSkipsWhileUpdating(t *testing.T) {
	srv := &fakeServer{}
	e := auction.NewEntry("1", srv, nil, time.Now())
	release, ok := e.Timing().BeginUpdate()
	require.True(t, ok)
	defer release()

	r := &Refresher{Book: auction.NewBook()}
	require.NoError(t, r.Refresh(context.Background(), e))
	assert.Equal(t, 0, srv.reloads)
}

func TestRefreshRespectsLimiterCancellation(t *testing.T) {
	srv := &fakeServer{}
	e := auction.NewEntry("1", srv, nil, time.Now())
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r := &Refresher{Book: auction.NewBook(), Limiter: lim}
	assert.Error(t, r.Refresh(ctx, e))
	assert.True(t, e.Timing().NeedsUpdate(), "refresh is retried later")
	assert.False(t, e.Timing().IsUpdating())
	assert.Equal(t, 0, srv.reloads)
}

// gatedServer holds every Reload until release is closed.
type gatedServer struct {
	fakeServer
	started chan struct{}
	release chan struct{}
}

func (g *gatedServer) Reload(ctx context.Context, id string) (domain.AuctionInfo, error) {
	g.started <- struct{}{}
	<-g.release
	return g.fakeServer.Reload(ctx, id)
}

func TestRefreshKeepsForceRaisedMidFlight(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &gatedServer{
		fakeServer: fakeServer{info: domain.AuctionInfo{End: now.Add(time.Hour)}},
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	e := auction.NewEntry("1", srv, nil, now)
	r := &Refresher{Book: auction.NewBook(), Now: func() time.Time { return now }}

	done := make(chan error, 1)
	go func() { done <- r.Refresh(context.Background(), e) }()
	<-srv.started

	e.Timing().ForceUpdate()
	require.NoError(t, r.Refresh(context.Background(), e), "second refresh skips while the first runs")
	close(srv.release)
	require.NoError(t, <-done)

	assert.True(t, e.Timing().NeedsUpdate())
	assert.True(t, e.Timing().IsUpdateForced())
	assert.True(t, e.CheckUpdate(now.Add(time.Second)))

	go func() { <-srv.started }()
	require.NoError(t, r.Refresh(context.Background(), e))
	assert.False(t, e.Timing().IsUpdateForced())
	srv.mu.Lock()
	assert.Equal(t, 2, srv.reloads)
	srv.mu.Unlock()
}

func TestRefreshKeepsSnipeFollowUp(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &gatedServer{
		fakeServer: fakeServer{info: domain.AuctionInfo{End: now.Add(time.Minute)}},
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	e := auction.NewEntry("1", srv, nil, now)
	e.PrepareSnipe(money(t, "USD 9"), 1)
	r := &Refresher{Book: auction.NewBook(), Now: func() time.Time { return now }}

	done := make(chan error, 1)
	go func() { done <- r.Refresh(context.Background(), e) }()
	<-srv.started
	require.True(t, e.ClaimSnipe())
	e.SnipeCompleted(now)
	close(srv.release)
	require.NoError(t, <-done)

	assert.True(t, e.Timing().NeedsUpdate(), "the post-snipe refresh is still pending")
}

func TestRefreshDropsDuplicateEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{info: domain.AuctionInfo{End: now.Add(-time.Minute)}}
	book := auction.NewBook()
	e := auction.NewEntry("1", srv, nil, now)
	book.Add(e)
	r := &Refresher{Book: book, Now: func() time.Time { return now }}

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Handle(context.Background(), NewRefresh("1")))
	}
	assert.Equal(t, 2, srv.reloads, "one reload plus the single forced post-end refresh")
	assert.True(t, e.Timing().Ended())
	assert.False(t, e.Timing().NeedsUpdate())
}

func TestRefreshEndedAuctionReportsOutcome(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{info: domain.AuctionInfo{End: now.Add(-time.Minute), HighBidder: "ME", ReserveMet: true}}
	book := auction.NewBook()
	e := auction.NewEntry("1", srv, nil, now)
	e.PrepareSnipe(money(t, "USD 10"), 1)
	e.Timing().MarkEnded()
	book.Add(e)

	r := &Refresher{Book: book, Now: func() time.Time { return now }}
	require.NoError(t, r.Handle(context.Background(), NewRefresh("1")))
	assert.False(t, e.IsSniped())
	assert.Equal(t, "USD 10.00", e.Snipe().CancelledBid.String())
}

func TestRefreshUnknownAuction(t *testing.T) {
	r := &Refresher{Book: auction.NewBook()}
	assert.ErrorIs(t, r.Handle(context.Background(), NewRefresh("nope")), ErrUnknownAuction)
	assert.Error(t, r.Handle(context.Background(), mq.Event{Type: RefreshEvent}))
}

func TestSniperFiresOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{}
	book := auction.NewBook()
	e := auction.NewEntry("1", srv, nil, now)
	e.SetInfo(auction.InfoFrom(domain.AuctionInfo{End: now.Add(20 * time.Second)}))
	e.PrepareSnipe(money(t, "USD 33"), 1)
	book.Add(e)

	reg := prometheus.NewRegistry()
	s := &Sniper{
		Book:    book,
		Offset:  func() time.Duration { return 30 * time.Second },
		Metrics: metrics.NewCollector(reg),
		Now:     func() time.Time { return now },
	}
	require.NoError(t, s.Handle(context.Background(), NewFire("1")))
	require.NoError(t, s.Handle(context.Background(), NewFire("1")))

	require.Len(t, srv.bids, 1)
	assert.Equal(t, "USD 33.00", srv.bids[0].String())
	assert.False(t, e.IsSniped())
	assert.Equal(t, "USD 33.00", e.LastBid().Amount.String())
	assert.True(t, e.Timing().NeedsUpdate())

	assert.Equal(t, float64(1), counterValue(t, reg, "snipewatch_snipes_fired_total"))
}

func TestSniperNotDueYet(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{}
	e := auction.NewEntry("1", srv, nil, now)
	e.SetInfo(auction.InfoFrom(domain.AuctionInfo{End: now.Add(time.Hour)}))
	e.PrepareSnipe(money(t, "USD 33"), 1)

	s := &Sniper{Book: auction.NewBook(), Now: func() time.Time { return now }}
	require.NoError(t, s.Fire(context.Background(), e))
	assert.Empty(t, srv.bids)
	assert.True(t, e.IsSniped())
}

func TestSniperFailureDisarms(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{bidErr: errors.New("outbid")}
	e := auction.NewEntry("1", srv, nil, now)
	e.SetInfo(auction.InfoFrom(domain.AuctionInfo{End: now.Add(5 * time.Second)}))
	e.PrepareSnipe(money(t, "USD 33"), 1)

	s := &Sniper{Book: auction.NewBook(), Now: func() time.Time { return now }}
	assert.Error(t, s.Fire(context.Background(), e))
	assert.False(t, e.IsSniped())
	assert.False(t, e.SnipeInFlight())
	assert.Equal(t, "Snipe failed: outbid", e.Status())
}

func TestSniperPastEndCountsMiss(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := &fakeServer{}
	e := auction.NewEntry("1", srv, nil, now)
	e.SetInfo(auction.InfoFrom(domain.AuctionInfo{End: now.Add(-time.Second)}))
	e.PrepareSnipe(money(t, "USD 33"), 1)

	reg := prometheus.NewRegistry()
	s := &Sniper{Book: auction.NewBook(), Metrics: metrics.NewCollector(reg), Now: func() time.Time { return now }}
	require.NoError(t, s.Fire(context.Background(), e))
	assert.Empty(t, srv.bids)
	assert.False(t, e.IsSniped())
	assert.Equal(t, float64(1), counterValue(t, reg, "snipewatch_snipes_missed_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
