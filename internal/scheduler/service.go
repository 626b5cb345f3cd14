package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"snipewatch/internal/auction"
	"snipewatch/internal/metrics"
	"snipewatch/internal/mq"
	"snipewatch/internal/timequeue"
	"snipewatch/internal/worker"
)

// CheckMailbox receives the periodic tick that drives evaluation.
const CheckMailbox = "check"

const checkEvent = "check"

type Options struct {
	CheckInterval time.Duration
	// SaveSchedule is a cron spec for the periodic save; empty disables it.
	SaveSchedule string
	Save         func(ctx context.Context) error
	// SnipeOffset returns the global default snipe offset.
	SnipeOffset func() time.Duration
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// Service walks every auction on each tick, queueing refreshes that are due
// and keeping one pending fire per armed snipe.
type Service struct {
	book  *auction.Book
	queue *timequeue.Scheduler
	inbox <-chan mq.Event

	interval time.Duration
	saveSpec string
	save     func(ctx context.Context) error
	offset   func() time.Duration
	metrics  *metrics.Collector
	now      func() time.Time

	cron     *cron.Cron
	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(book *auction.Book, q *timequeue.Scheduler, hub *mq.Hub, o Options) (*Service, error) {
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	if o.SaveSchedule != "" {
		if err := ValidateCronExpression(o.SaveSchedule); err != nil {
			return nil, fmt.Errorf("save schedule %q: %w", o.SaveSchedule, err)
		}
	}
	if o.SnipeOffset == nil {
		o.SnipeOffset = func() time.Duration { return auction.FallbackSnipeOffset }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Service{
		book:     book,
		queue:    q,
		inbox:    hub.Register(CheckMailbox, 1),
		interval: o.CheckInterval,
		saveSpec: o.SaveSchedule,
		save:     o.Save,
		offset:   o.SnipeOffset,
		metrics:  o.Metrics,
		now:      o.Now,
		cron:     cron.New(),
		stop:     make(chan struct{}),
	}, nil
}

// Start runs until ctx is cancelled or Stop is called. The timer queue must
// be running for ticks to arrive.
func (s *Service) Start(ctx context.Context) {
	tick := s.queue.SubmitRepeating(checkEvent, CheckMailbox, s.now(), s.interval, timequeue.Forever)
	defer s.queue.Cancel(tick)

	if s.saveSpec != "" && s.save != nil {
		if _, err := s.cron.AddFunc(s.saveSpec, func() { s.runSave(ctx) }); err != nil {
			log.Error().Err(err).Str("save_schedule", s.saveSpec).Msg("failed to schedule save")
		} else {
			s.cron.Start()
			defer func() { <-s.cron.Stop().Done() }()
		}
	}

	log.Info().Dur("interval", s.interval).Str("save_schedule", s.saveSpec).Msg("auction driver started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.inbox:
			s.Evaluate(s.now())
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) runSave(ctx context.Context) {
	start := time.Now()
	if err := s.save(ctx); err != nil {
		log.Error().Err(err).Msg("periodic save failed")
		return
	}
	log.Info().Int("auctions", s.book.Len()).Dur("took", time.Since(start)).Msg("auctions saved")
}

// Evaluate checks every auction once at local time now.
func (s *Service) Evaluate(now time.Time) {
	offset := s.offset()
	for _, e := range s.book.All() {
		s.evaluateSnipe(e, now, offset)
		s.evaluateUpdate(e, now)
	}
}

func (s *Service) evaluateUpdate(e *auction.Entry, now time.Time) {
	if !e.CheckUpdate(now) {
		return
	}
	s.queueRefresh(e, now)
}

// queueRefresh submits one refresh for e. A refresh already delivered to
// the update mailbox but not yet picked up still counts as queued.
func (s *Service) queueRefresh(e *auction.Entry, now time.Time) {
	if s.queue.Contains(eventFor(worker.RefreshEvent, e.Identifier())) {
		return
	}
	if !e.Timing().MarkQueued(now) {
		return
	}
	s.queue.Submit(worker.NewRefresh(e.Identifier()), worker.UpdateMailbox, now)
}

func (s *Service) evaluateSnipe(e *auction.Entry, now time.Time, offset time.Duration) {
	id := e.Identifier()
	if !e.IsSniped() {
		s.queue.CancelMatching(eventFor(worker.FireEvent, id))
		return
	}
	if e.SnipeInFlight() || e.EndDate().Equal(auction.FarFuture) {
		return
	}

	due := e.CheckSnipe(now, offset)
	if !e.IsSniped() {
		// Past the end before it could fire.
		s.metrics.RecordMissedSnipe()
		s.queue.CancelMatching(eventFor(worker.FireEvent, id))
		return
	}

	at := e.SnipeDate(offset)
	if due {
		at = now
	}
	s.ensureFire(id, at)
}

// ensureFire leaves exactly one pending fire for id, at or before at.
func (s *Service) ensureFire(id string, at time.Time) {
	fire := eventFor(worker.FireEvent, id)
	ok := func(p any, dest string, fireAt time.Time) bool {
		return fire(p, dest, fireAt) && !fireAt.After(at)
	}
	if s.queue.Contains(ok) {
		return
	}
	for s.queue.CancelMatching(fire) {
	}
	s.queue.Submit(worker.NewFire(id), worker.SnipeMailbox, at)
	log.Debug().Str("auction", id).Time("fire_at", at).Msg("snipe scheduled")
}

// RequestUpdate forces an immediate refresh of e, even if it has ended or
// is paused.
func (s *Service) RequestUpdate(e *auction.Entry) {
	e.Timing().ForceUpdate()
	s.queueRefresh(e, s.now())
}

// Forget drops every pending timer for auction id.
func (s *Service) Forget(id string) int {
	n := 0
	for _, kind := range []string{worker.RefreshEvent, worker.FireEvent} {
		for s.queue.CancelMatching(eventFor(kind, id)) {
			n++
		}
	}
	return n
}

// NextSave is when the periodic save runs next, or zero when disabled.
func (s *Service) NextSave(from time.Time) time.Time {
	if s.saveSpec == "" {
		return time.Time{}
	}
	next, err := NextRunTime(s.saveSpec, from)
	if err != nil {
		return time.Time{}
	}
	return next
}

// LogFault is the timequeue fault sink. A tick dropped because the previous
// evaluation is still running is expected and only logged at debug level.
func LogFault(h *timequeue.Handle, err error) {
	ev := log.Error()
	if h.Destination() == CheckMailbox && errors.Is(err, mq.ErrMailboxFull) {
		ev = log.Debug()
	}
	ev.Err(err).
		Str("handle", h.ID).
		Str("destination", h.Destination()).
		Time("fire_at", h.FireAt()).
		Msg("timequeue delivery failed")
}

func eventFor(kind, id string) timequeue.Matcher {
	return func(payload any, _ string, _ time.Time) bool {
		ev, ok := payload.(mq.Event)
		return ok && ev.Type == kind && ev.Data == id
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
