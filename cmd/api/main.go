package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedline/feedline-backend/internal/api"
	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/calendar"
	"github.com/feedline/feedline-backend/internal/config"
	"github.com/feedline/feedline-backend/internal/feed"
	"github.com/feedline/feedline-backend/internal/feed/mock"
	"github.com/feedline/feedline-backend/internal/intake"
	"github.com/feedline/feedline-backend/internal/jobs"
	"github.com/feedline/feedline-backend/internal/log"
	"github.com/feedline/feedline-backend/internal/metrics"
	"github.com/feedline/feedline-backend/internal/notify"
	"github.com/feedline/feedline-backend/internal/schedule"
	"github.com/feedline/feedline-backend/internal/store"
	"github.com/feedline/feedline-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting feedline API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
	)

	metricsObj, metricsHandler, err := metrics.Setup("feedline-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.New(ctx, cfg.Database, logger.Desugar())
	cancelConnect()
	if err != nil {
		logger.Fatalw("Failed to initialize entry store", "error", err)
	}
	defer st.Close()

	c := cache.New(cfg.Cache.RedisAddr, logger, metricsObj)
	defer c.Close()

	// Feed client: the real graph API when credentials are present,
	// otherwise the in-process mock so dev setups work end to end.
	var feedClient feed.Client
	if cfg.FeedConfigured() {
		feedClient = feed.NewGraphClient(cfg.Feed.BaseURL, cfg.Feed.PageID, cfg.Feed.AccessToken, cfg.Feed.Timeout, log.Component(logger, "feed"))
	} else {
		logger.Warnw("Feed credentials missing, using in-process mock feed")
		feedClient = mock.NewFeed(log.Component(logger, "feed"))
	}
	logger.Infow("Feed client ready", "feed", feedClient.Name())

	windows, err := calendar.ParseWindows(cfg.Schedule.PostingWindows)
	if err != nil {
		logger.Fatalw("Invalid posting windows", "error", err)
	}
	holidays, err := cfg.LoadHolidays()
	if err != nil {
		logger.Fatalw("Failed to load holidays", "error", err)
	}
	loc := cfg.Location()
	cal := calendar.New(loc, cfg.SkipWeekdaySet(), holidays)
	gen := calendar.NewGenerator(cal, windows, loc, cfg.Schedule.HorizonDays)

	engine := schedule.New(st, feedClient, gen, c, log.Component(logger, "schedule"), metricsObj, cfg.Schedule.HoleTolerance)

	var syncer *intake.Syncer
	if cfg.Intake.SourceURL != "" {
		syncer, err = intake.New(cfg.Intake, st, logger)
		if err != nil {
			logger.Fatalw("Invalid intake configuration", "error", err)
		}
		logger.Infow("Intake source configured", "url", cfg.Intake.SourceURL)
	}

	notifier := notify.New(cfg.Notify, c, logger)

	wsHub := ws.NewHub(c, cfg.Security.CORSAllowedOrigins, log.Component(logger, "ws"), metricsObj)
	sseHandler := ws.NewSSEHandler(c, cfg.Security.CORSAllowedOrigins, log.Component(logger, "ws"))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go wsHub.Run(bgCtx)

	reconciler := jobs.NewReconciler(engine, c, cfg.Schedule.ReconcileEvery, log.Component(logger, "jobs"))
	reconciler.Start(bgCtx)
	defer reconciler.Stop()

	housekeeper := jobs.NewHousekeeper(st, syncer, notifier, gen, jobs.HousekeeperConfig{
		Interval:         cfg.Intake.SyncEvery,
		DeniedRetention:  cfg.Schedule.DeniedRetention,
		PendingThreshold: cfg.Notify.PendingThreshold,
	}, log.Component(logger, "jobs"))
	housekeeper.Start(bgCtx)
	defer housekeeper.Stop()

	handler := api.NewHandler(engine, st, syncer, c, wsHub, sseHandler, logger)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	router.Handle("/metrics", metricsHandler)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
