package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"snipewatch/internal/mq"
)

// Handler processes one event taken from a mailbox.
type Handler interface {
	Handle(ctx context.Context, ev mq.Event) error
}

type HandlerFunc func(ctx context.Context, ev mq.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev mq.Event) error { return f(ctx, ev) }

type route struct {
	name    string
	inbox   <-chan mq.Event
	handler Handler
}

// Pool drains mailboxes and runs their handlers with bounded concurrency.
// Network work triggered by the timer queue lands here instead of on the
// timer goroutine.
type Pool struct {
	routes  []route
	sem     chan struct{}
	timeout time.Duration
	running sync.WaitGroup
}

func NewPool(size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{sem: make(chan struct{}, size), timeout: timeout}
}

// Handle attaches h to the named mailbox. Call before Run.
func (p *Pool) Handle(name string, inbox <-chan mq.Event, h Handler) {
	p.routes = append(p.routes, route{name: name, inbox: inbox, handler: h})
}

// Run consumes every mailbox until ctx is cancelled, then waits for
// in-flight handlers.
func (p *Pool) Run(ctx context.Context) {
	var readers sync.WaitGroup
	for _, r := range p.routes {
		readers.Add(1)
		go func(r route) {
			defer readers.Done()
			p.consume(ctx, r)
		}(r)
	}
	readers.Wait()
	p.running.Wait()
}

func (p *Pool) consume(ctx context.Context, r route) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.inbox:
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			p.running.Add(1)
			go func(ev mq.Event) {
				defer p.running.Done()
				defer func() { <-p.sem }()
				if err := p.run(ctx, r, ev); err != nil {
					log.Warn().Err(err).Str("mailbox", r.name).Str("event", ev.Type).Msg("handler failed")
				}
			}(ev)
		}
	}
}

func (p *Pool) run(ctx context.Context, r route, ev mq.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler for %s panicked: %v", r.name, rec)
		}
	}()
	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return r.handler.Handle(c, ev)
}
