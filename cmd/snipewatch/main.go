package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"snipewatch/internal/api"
	"snipewatch/internal/auction"
	"snipewatch/internal/config"
	"snipewatch/internal/metrics"
	"snipewatch/internal/mq"
	"snipewatch/internal/multisnipe"
	"snipewatch/internal/remote"
	"snipewatch/internal/scheduler"
	"snipewatch/internal/store"
	"snipewatch/internal/timequeue"
	"snipewatch/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (watched for changes)")
		addr    = flag.String("addr", "", "HTTP bind address, overrides config")
		dbPath  = flag.String("db", "", "SQLite DB path, overrides config")
		debug   = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	mgr := config.NewManager(*cfgPath)
	mgr.SetValidator(func(c *config.Config) error {
		if c.SaveSchedule == "" {
			return nil
		}
		return scheduler.ValidateCronExpression(c.SaveSchedule)
	})
	cfg, err := mgr.Load()
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	setLevel(cfg.LogLevel)

	db, err := store.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	opts := remote.Options{
		Name:    cfg.Server.Name,
		BaseURL: cfg.Server.BaseURL,
		UserID:  cfg.Server.UserID,
		Timeout: cfg.ServerTimeout(),
	}
	if b, ok := remote.ParseCommand(cfg.Server.BidCommand); ok {
		opts.Bidder = b
	}
	client := remote.NewClient(opts)

	book := auction.NewBook()
	groups := multisnipe.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := store.LoadAll(ctx, repo, client, groups, book)
	if err != nil {
		log.Fatal().Err(err).Msg("load auctions")
	}
	log.Info().Int("auctions", n).Int("groups", len(groups.Groups())).Msg("auctions restored")

	collector := metrics.NewCollector(nil)
	hub := mq.NewHub()
	q := timequeue.New(hub, timequeue.WithMetrics(collector), timequeue.WithFaultHandler(scheduler.LogFault))
	offset := func() time.Duration { return mgr.Get().SnipeOffset() }

	limiter := rate.NewLimiter(rate.Limit(cfg.FetchRate), cfg.FetchBurst)
	if cfg.FetchRate == 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	pool := worker.NewPool(cfg.Workers, cfg.ServerTimeout()*2)
	pool.Handle(worker.UpdateMailbox, hub.Register(worker.UpdateMailbox, 64),
		&worker.Refresher{Book: book, Limiter: limiter, Metrics: collector})
	pool.Handle(worker.SnipeMailbox, hub.Register(worker.SnipeMailbox, 64),
		&worker.Sniper{Book: book, Offset: offset, Metrics: collector})

	save := func(ctx context.Context) error {
		_, err := store.SaveAll(ctx, repo, book)
		return err
	}
	svc, err := scheduler.NewService(book, q, hub, scheduler.Options{
		CheckInterval: cfg.CheckEvery(),
		SaveSchedule:  cfg.SaveSchedule,
		Save:          save,
		SnipeOffset:   offset,
		Metrics:       collector,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}

	go q.Run(ctx)
	go pool.Run(ctx)
	go svc.Start(ctx)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watch stopped")
		}
	}()
	go applyReloads(ctx, mgr.Subscribe(1), limiter)

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(api.Deps{
		Book:        book,
		Groups:      groups,
		Queue:       q,
		Driver:      svc,
		Repo:        repo,
		Server:      client,
		Metrics:     collector,
		SnipeOffset: offset,
		Debug:       *debug,
	})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	svc.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	if n, err := store.SaveAll(ctxTimeout, repo, book); err != nil {
		log.Error().Err(err).Msg("final save")
	} else {
		log.Info().Int("auctions", n).Msg("auctions saved")
	}
}

// applyReloads picks up the settings that can change without a restart.
// The snipe offset is read through the manager on every use.
func applyReloads(ctx context.Context, updates <-chan *config.Config, limiter *rate.Limiter) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			setLevel(cfg.LogLevel)
			if cfg.FetchRate == 0 {
				limiter.SetLimit(rate.Inf)
			} else {
				limiter.SetLimit(rate.Limit(cfg.FetchRate))
				limiter.SetBurst(cfg.FetchBurst)
			}
		}
	}
}

func setLevel(name string) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
