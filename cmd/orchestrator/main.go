package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"postflow/internal/app"
	"postflow/internal/config"
	"postflow/internal/dispatcher"
	"postflow/internal/generation"
	"postflow/internal/server"
	"postflow/internal/sheetsync"
	"postflow/internal/util"
	"postflow/pkg/ai"
	"postflow/pkg/delivery"
	"postflow/pkg/events"
	"postflow/pkg/psm"
	"postflow/pkg/queue"
	"postflow/pkg/sheets"
	"postflow/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	var notifier events.Notifier = events.LogNotifier{Log: logger}
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer publisher.Close()
		notifier = publisher
	}

	tick := time.Duration(cfg.DispatcherTickSeconds) * time.Second
	machine := psm.New(dataStore, notifier, logger, psm.WithDispatcherTick(tick))

	defaultLoc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.Fatalf("failed to load default timezone: %v", err)
	}

	jobQueue, err := queue.NewGenerationQueue(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init generation queue: %v", err)
	}

	var syncer *sheetsync.Synchronizer
	if cfg.SheetsCredentialsFile != "" {
		gateway, err := sheets.NewGoogleGateway(ctx, cfg.SheetsCredentialsFile)
		if err != nil {
			log.Fatalf("failed to init sheets gateway: %v", err)
		}
		syncer = sheetsync.New(dataStore, gateway, machine, notifier, logger, defaultLoc)
	}

	appCfg := app.Config{
		Store:               dataStore,
		Machine:             machine,
		Jobs:                jobQueue,
		Log:                 logger,
		AdminUserIDs:        cfg.AdminUserIDs,
		DefaultSyncInterval: cfg.SyncDefaultIntervalMinutes,
	}
	if syncer != nil {
		appCfg.Sheets = syncer
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{App: appCore})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	adapter := delivery.NewTelegramAdapter(cfg.TelegramAPIURL, cfg.TelegramBotToken)
	dispatchOpts := []dispatcher.Option{}
	if syncer != nil {
		dispatchOpts = append(dispatchOpts, dispatcher.WithHistory(syncer))
	}
	dispatch := dispatcher.New(dataStore, machine, adapter, notifier, logger, dispatcher.Config{
		Tick:           tick,
		BatchSize:      cfg.DispatcherBatchSize,
		SendTimeout:    time.Duration(cfg.SendTimeoutSeconds) * time.Second,
		StallThreshold: cfg.StallThreshold,
	}, dispatchOpts...)

	runner := generation.NewRunner(dataStore, jobQueue, logger)

	g, gctx := errgroup.WithContext(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		slog.Info("orchestrator listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return ignoreCancel(dispatch.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(runner.Run(gctx)) })
	if syncer != nil {
		g.Go(func() error { return ignoreCancel(syncer.Run(gctx)) })
	}

	if cfg.GenerationBaseURL != "" {
		generator := ai.NewOpenAICompatGenerator(cfg.GenerationBaseURL, cfg.GenerationAPIKey, cfg.GenerationModel)
		consumer := generation.NewConsumer(dataStore, machine, generator, notifier, logger,
			generation.WithMaxAttempts(cfg.QueueMaxRetries))
		jobQueue.Start(gctx, cfg.QueueConcurrency, consumer.Handle)
	} else {
		slog.Info("generation disabled: no generation base URL configured")
	}

	if err := g.Wait(); err != nil {
		logger.Error("orchestrator stopped", "err", err)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
