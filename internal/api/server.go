package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"snipewatch/internal/auction"
	"snipewatch/internal/domain"
	"snipewatch/internal/metrics"
	"snipewatch/internal/mq"
	"snipewatch/internal/multisnipe"
	"snipewatch/internal/scheduler"
	"snipewatch/internal/store"
	"snipewatch/internal/timequeue"
	"snipewatch/internal/worker"
)

// Deps is everything the HTTP surface reads or edits.
type Deps struct {
	Book    *auction.Book
	Groups  *multisnipe.Registry
	Queue   *timequeue.Scheduler
	Driver  *scheduler.Service
	Repo    store.Repository
	Server  auction.Server
	Metrics *metrics.Collector

	SnipeOffset func() time.Duration
	Now         func() time.Time
	Debug       bool
}

type Server struct {
	r *chi.Mux
	d Deps
}

func NewServer(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SnipeOffset == nil {
		d.SnipeOffset = func() time.Duration { return auction.FallbackSnipeOffset }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, d: d}

	r.Get("/health", s.health)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Get("/api/auctions", s.listAuctions)
	r.Post("/api/auctions", s.addAuction)
	r.Get("/api/auctions/{id}", s.getAuction)
	r.Delete("/api/auctions/{id}", s.deleteAuction)
	r.Put("/api/auctions/{id}/snipe", s.setSnipe)
	r.Delete("/api/auctions/{id}/snipe", s.cancelSnipe)
	r.Post("/api/auctions/{id}/pause", s.pause)
	r.Post("/api/auctions/{id}/refresh", s.refresh)
	r.Put("/api/auctions/{id}/group", s.setGroup)
	r.Post("/api/auctions/{id}/bid", s.bid)
	r.Post("/api/auctions/{id}/buy", s.buy)
	r.Put("/api/auctions/{id}/shipping", s.setShipping)
	r.Put("/api/auctions/{id}/category", s.setCategory)

	r.Post("/api/groups", s.createGroup)
	r.Get("/api/groups", s.listGroups)

	r.Get("/api/queue", s.queue)

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"auctions": s.d.Book.Len(),
	}
	if s.d.Queue != nil {
		resp["pending"] = s.d.Queue.Len()
	}
	if s.d.Driver != nil {
		if next := s.d.Driver.NextSave(s.d.Now()); !next.IsZero() {
			resp["next_save"] = next.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*auction.Entry, bool) {
	id := chi.URLParam(r, "id")
	e, ok := s.d.Book.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return e, true
}

// persist writes e through to the store. Failures are logged; the periodic
// save will catch up.
func (s *Server) persist(ctx context.Context, e *auction.Entry) {
	if s.d.Repo == nil {
		return
	}
	if err := s.d.Repo.Save(ctx, e.Record()); err != nil {
		log.Error().Err(err).Str("auction", e.Identifier()).Msg("failed to save auction")
	}
}

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	entries := s.d.Book.All()
	out := make([]auctionView, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.view(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(e))
}

type addReq struct {
	ID      string `json:"id"`
	Comment string `json:"comment"`
}

func (s *Server) addAuction(w http.ResponseWriter, r *http.Request) {
	var req addReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	e := auction.NewEntry(req.ID, s.d.Server, s.d.Groups, s.d.Now())
	e.SetComment(req.Comment)
	if !s.d.Book.Add(e) {
		http.Error(w, "auction already monitored", http.StatusConflict)
		return
	}
	s.persist(r.Context(), e)
	log.Info().Str("auction", req.ID).Msg("auction added")
	writeJSON(w, http.StatusCreated, s.view(e))
}

func (s *Server) deleteAuction(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	e.CancelSnipe(false)
	s.d.Book.Remove(e.Identifier())
	if s.d.Driver != nil {
		s.d.Driver.Forget(e.Identifier())
	}
	if s.d.Repo != nil {
		if err := s.d.Repo.Delete(r.Context(), e.Identifier()); err != nil && !errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type snipeReq struct {
	Bid      string `json:"bid"`
	Quantity int    `json:"quantity"`
	// OffsetMS overrides the default offset; -1 restores it.
	OffsetMS *int64 `json:"offset_ms"`
}

func (s *Server) setSnipe(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req snipeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bid, err := domain.ParseFullMoney(req.Bid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if e.Timing().Ended() && !bid.IsZero() {
		http.Error(w, "auction has ended", http.StatusConflict)
		return
	}
	if req.OffsetMS != nil {
		if *req.OffsetMS < 0 {
			e.SetSnipeOffset(auction.DefaultSnipeOffset)
		} else {
			e.SetSnipeOffset(time.Duration(*req.OffsetMS) * time.Millisecond)
		}
	}
	e.PrepareSnipe(bid, req.Quantity)
	s.persist(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

func (s *Server) cancelSnipe(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	e.CancelSnipe(false)
	s.persist(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

type pauseReq struct {
	Minutes int `json:"minutes"`
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req pauseReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	e.Timing().Pause(s.d.Now(), time.Duration(req.Minutes)*time.Minute)
	writeJSON(w, http.StatusOK, s.view(e))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if s.d.Driver != nil {
		s.d.Driver.RequestUpdate(e)
	} else {
		e.Timing().ForceUpdate()
	}
	writeJSON(w, http.StatusAccepted, s.view(e))
}

type bidReq struct {
	Bid      string `json:"bid"`
	Quantity int    `json:"quantity"`
}

func (s *Server) bid(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req bidReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := domain.ParseFullMoney(req.Bid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if amount.IsZero() {
		http.Error(w, "bid is required", http.StatusBadRequest)
		return
	}
	if err := e.PlaceBid(r.Context(), amount, req.Quantity, s.d.Now()); err != nil {
		s.persist(r.Context(), e)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.afterBid(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

type buyReq struct {
	Quantity int `json:"quantity"`
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req buyReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := e.Buy(r.Context(), req.Quantity, s.d.Now()); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, auction.ErrNoBuyNow) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.afterBid(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

// afterBid saves the new last bid and fetches the result promptly.
func (s *Server) afterBid(ctx context.Context, e *auction.Entry) {
	s.persist(ctx, e)
	if s.d.Driver != nil {
		s.d.Driver.RequestUpdate(e)
	}
}

type shippingReq struct {
	Shipping string `json:"shipping"`
}

func (s *Server) setShipping(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req shippingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := domain.ParseFullMoney(req.Shipping)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.SetShipping(m)
	s.persist(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

type categoryReq struct {
	Category string `json:"category"`
	Sticky   *bool  `json:"sticky"`
}

func (s *Server) setCategory(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req categoryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.SetCategory(strings.TrimSpace(req.Category))
	if req.Sticky != nil {
		e.SetSticky(*req.Sticky)
	}
	s.persist(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

type groupReq struct {
	GroupID int64 `json:"group_id"`
}

func (s *Server) setGroup(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req groupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.GroupID == 0 {
		e.LeaveGroup()
	} else {
		g := s.d.Groups.Lookup(req.GroupID)
		if g == nil {
			http.Error(w, "group not found", http.StatusNotFound)
			return
		}
		e.JoinGroup(g)
	}
	s.persist(r.Context(), e)
	writeJSON(w, http.StatusOK, s.view(e))
}

type createGroupReq struct {
	Color            string   `json:"color"`
	DefaultBid       string   `json:"default_bid"`
	SubtractShipping bool     `json:"subtract_shipping"`
	Members          []string `json:"members"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def, err := domain.ParseFullMoney(req.DefaultBid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if def.IsZero() {
		http.Error(w, "default_bid is required", http.StatusBadRequest)
		return
	}
	members := make([]*auction.Entry, 0, len(req.Members))
	for _, id := range req.Members {
		e, ok := s.d.Book.Get(id)
		if !ok {
			http.Error(w, "unknown auction "+id, http.StatusBadRequest)
			return
		}
		members = append(members, e)
	}

	g := s.d.Groups.Create(req.Color, def, req.SubtractShipping)
	for _, e := range members {
		e.JoinGroup(g)
		s.persist(r.Context(), e)
	}
	writeJSON(w, http.StatusCreated, viewGroup(g))
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.d.Groups.Groups()
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, viewGroup(g))
	}
	writeJSON(w, http.StatusOK, out)
}

type handleView struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Event       string    `json:"event"`
	Auction     string    `json:"auction,omitempty"`
	FireAt      time.Time `json:"fire_at"`
	Interval    string    `json:"interval,omitempty"`
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	if s.d.Queue == nil {
		writeJSON(w, http.StatusOK, []handleView{})
		return
	}
	handles := s.d.Queue.Snapshot()
	out := make([]handleView, 0, len(handles))
	for _, h := range handles {
		v := handleView{ID: h.ID, Destination: h.Destination(), FireAt: h.FireAt()}
		switch p := h.Payload().(type) {
		case mq.Event:
			v.Event = p.Type
			v.Auction, _ = worker.AuctionID(p)
		case string:
			v.Event = p
		}
		if h.Interval() > 0 {
			v.Interval = h.Interval().String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
