package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"tradetracker/internal/api"
	"tradetracker/internal/api/handlers"
	"tradetracker/internal/config"
	"tradetracker/internal/exchange"
	"tradetracker/internal/ports"
	"tradetracker/internal/publisher"
	"tradetracker/internal/repository"
	"tradetracker/internal/scheduler"
	"tradetracker/internal/service"
	"tradetracker/internal/valuation"
	"tradetracker/pkg/crypto"
	"tradetracker/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		utils.L().Fatal("tracker failed", utils.Err(err))
	}
}

func run() error {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Tracker.Testing,
	})
	defer log.Sync()

	key, err := crypto.DeriveKey(cfg.Security.EncryptionSecret)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// База данных
	db, err := repository.Open(ctx, repository.DBConfig{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxOpenConns / 4,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if cfg.Database.EnsureSchema {
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return err
		}
	}
	store := repository.NewStore(db)

	// Публикация: внутренний хаб для /ws и Redis, если задан адрес
	hub := publisher.NewHub(log)
	targets := []ports.Publisher{hub}
	checks := map[string]handlers.HealthChecker{"postgres": store}

	var redisPub *publisher.RedisPublisher
	if cfg.Redis.Addr != "" {
		redisPub = publisher.NewRedisPublisher(publisher.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		}, log)
		defer redisPub.Close()
		if err := redisPub.Ping(ctx); err != nil {
			log.Warn("redis unavailable at startup", utils.Err(err))
		}
		targets = append(targets, redisPub)
		checks["redis"] = redisPub
	}
	pub := publisher.NewFanout(log, targets...)

	sched := scheduler.New(scheduler.WithLogger(log))

	httpCfg := exchange.DefaultHTTPClientConfig()
	httpCfg.Timeout = cfg.Tracker.RESTTimeout
	httpClient := exchange.NewHTTPClient(httpCfg)
	defer httpClient.Close()
	session := exchange.DefaultSessionConfig()
	session.MaxBackoff = cfg.Tracker.WSMaxBackoff

	currencies := valuation.NewCurrencies(cfg.Currency.Precision, cfg.Currency.Aliases)
	coord := service.NewCoordinator(service.Config{
		FetchingInterval:   cfg.Tracker.FetchingInterval,
		RektThreshold:      cfg.Tracker.RektThreshold,
		Testing:            cfg.Tracker.Testing,
		Hedge:              cfg.Tracker.HedgeMode,
		UnrealizedInterval: cfg.Tracker.UnrealizedInterval,
		SyncMaxRetries:     cfg.Tracker.SyncMaxRetries,
		EncryptionKey:      key,
		Worker: exchange.Options{
			HTTP:       httpClient,
			Session:    session,
			KeepAlive:  cfg.Tracker.ListenKeyKeepAlive,
			Currencies: currencies,
			Quote:      cfg.Currency.Quote,
			Dust:       cfg.Currency.DustThreshold,
			Logger:     log,
		},
		Logger: log,
	}, store, pub, exchange.DefaultRegistry(), sched)

	var wg conc.WaitGroup
	wg.Go(func() { hub.Run(ctx) })
	wg.Go(func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", utils.Err(err))
		}
	})

	events := scheduler.NewEventManager(store, pub, sched, log)
	if err := events.Start(ctx, cfg.Tracker.EventRefresh); err != nil {
		log.Warn("events not scheduled", utils.Err(err))
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}

	router := api.SetupRoutes(&api.Dependencies{
		Clients:        coord,
		Checks:         checks,
		Running:        coord.Running,
		Hub:            hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Currencies:     currencies,
		Logger:         log,
	})
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", utils.Err(err))
	}

	coord.Shutdown()
	stop()
	wg.Wait()

	log.Info("server exited")
	return runErr
}
