package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/fleet-orchestrator/internal/alert"
	"github.com/xela07ax/fleet-orchestrator/internal/audit"
	"github.com/xela07ax/fleet-orchestrator/internal/connectors"
	"github.com/xela07ax/fleet-orchestrator/internal/console/handler"
	"github.com/xela07ax/fleet-orchestrator/internal/console/server"
	"github.com/xela07ax/fleet-orchestrator/internal/console/service"
	"github.com/xela07ax/fleet-orchestrator/internal/engine"
	"github.com/xela07ax/fleet-orchestrator/internal/infra"
	"github.com/xela07ax/fleet-orchestrator/internal/infra/auth"
	"github.com/xela07ax/fleet-orchestrator/internal/policy"
	"github.com/xela07ax/fleet-orchestrator/internal/repository/filestore"
	"github.com/xela07ax/fleet-orchestrator/internal/repository/postgres"
	"github.com/xela07ax/fleet-orchestrator/internal/repository/redisstore"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Capacity orchestration engine for the session fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// 1. Конфиг и логгер
	bootCfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := infra.NewLogger(bootCfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := infra.NewConfigStore(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := store.Config()

	// 2. Инфраструктура: Redis, Postgres
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// без Redis живем: команды, блок-лист и лидерство отключаются
			logger.Warn("redis unreachable, control channel disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			_ = client.Close()
		} else {
			rdb = client
			defer rdb.Close()
		}
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer db.Close()
		migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = postgres.Migrate(migrateCtx, db)
		cancel()
		if err != nil {
			return err
		}
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 4. Журнал событий и алерты
	var eventStorage audit.Storage = audit.NewLogStorage(logger)
	if db != nil {
		eventStorage = postgres.NewEventRepo(db)
	}
	eventLog := audit.NewEventLog(eventStorage, audit.Options{Buffer: cfg.Alerts.EventBuffer}, logger)
	eventLog.Start()
	defer eventLog.Stop()

	var sink alert.Sink = alert.NewLogSink(logger)
	if cfg.Alerts.Sink == "redis" && rdb != nil {
		sink = alert.NewRedisSink(rdb, infra.RedisChanAlerts)
	}
	dispatcher := alert.NewDispatcher(sink, cfg.Alerts.BufferSize, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	clock := engine.SystemClock()
	recorder := engine.NewRecorder(alert.NewRules(cfg.Alerts.CriticalEvents), dispatcher, eventLog, cfg.Alerts.RecentEvents, clock, metrics, logger)

	// 5. Хранилище записей сессий
	sessionStore, err := openSessionStore(cfg, rdb, db)
	if err != nil {
		return err
	}

	// 6. Пул точек выхода, сессии, аккаунты
	oc := cfg.Orchestrator
	pool := engine.NewEndpointPool(engine.PoolOptions{
		PerEndpointMax: oc.PerEndpointMax,
		EvictAfter:     oc.EvictAfter,
		RecheckDelay:   oc.RecheckDelay,
	}, connectors.NewHTTPProber(oc.ProbeURL, oc.ProbeTimeout), recorder, clock, metrics, logger)

	sessions := engine.NewSessionManager(sessionStore, pool,
		connectors.NewProfileRotation(oc.Profiles, oc.SessionLength),
		recorder, clock, metrics,
		engine.SessionOptions{HeartbeatFlushInterval: oc.HeartbeatFlushInterval}, logger)

	blocklist := engine.NewAccountBlocklist(rdb, logger)
	accounts := engine.NewAccountRotation(oc.Accounts, blocklist, clock)

	// 7. Драйвер автоматизации + надежность
	var (
		rawDriver engine.AutomationDriver
		closeFn   func() error
	)
	switch cfg.Driver.Mode {
	case "grpc":
		d, err := connectors.DialDriver(cfg.Driver.Addr, cfg.Driver.Token, cfg.Driver.Service, logger)
		if err != nil {
			return err
		}
		rawDriver, closeFn = d, d.Close
	case "", "simulated":
		rawDriver = connectors.NewSimulatedDriver()
	default:
		return fmt.Errorf("unsupported driver mode %q", cfg.Driver.Mode)
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}
	driver := engine.NewReliableDriver(rawDriver, engine.ReliabilityOptions{
		StartRate:     cfg.Driver.StartRate,
		StartBurst:    cfg.Driver.StartBurst,
		RetryAttempts: cfg.Driver.RetryAttempts,
		CBMaxRequests: cfg.Driver.CBMaxRequests,
		CBInterval:    cfg.Driver.CBInterval,
		CBTimeout:     cfg.Driver.CBTimeout,
		CBTrip:        cfg.Driver.CBTrip,
	}, metrics, logger)

	runner := engine.NewRunner(sessions, accounts, pool, driver, recorder, engine.RunnerOptions{
		StaleAfter:            oc.StaleAfter,
		RestartUnhealthyAfter: oc.RestartUnhealthyAfter,
		WatchdogInterval:      oc.WatchdogInterval,
		ShutdownTimeout:       oc.ShutdownTimeout,
	}, logger)

	// 8. Лидерство и планировщик
	var lease *engine.LeaderLease
	var leader engine.LeaderChecker = engine.AlwaysLeader{}
	if oc.LeaderElection {
		if rdb == nil {
			return errors.New("leader_election requires redis")
		}
		host, _ := os.Hostname()
		lease = engine.NewLeaderLease(rdb, infra.RedisKeyLockLeader, fmt.Sprintf("%s-%d", host, os.Getpid()), oc.LeaderTTL, logger)
		leader = lease
	}

	shiftPolicy := policy.NewShiftPolicy(store, oc.DefaultShift, logger)
	scheduler := engine.NewCapacityScheduler(oc.TotalCapacity, shiftPolicy, sessions, runner, leader, recorder, clock, metrics, oc.ReconcileInterval, logger)

	orch := engine.NewOrchestrator(engine.Components{
		Config:           store,
		Policy:           shiftPolicy,
		Scheduler:        scheduler,
		Sessions:         sessions,
		Pool:             pool,
		Runner:           runner,
		Recorder:         recorder,
		Accounts:         accounts,
		Driver:           driver,
		Blocklist:        blocklist,
		Leader:           lease,
		Redis:            rdb,
		RefreshEndpoints: oc.RefreshEndpoints,
		Clock:            clock,
	}, logger)

	// 9. Ops API
	keys, err := auth.LoadKeys(cfg.Auth.PublicKey, cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("load auth keys: %w", err)
	}
	authService := service.NewAuthService(cfg.Auth.Operators, keys, cfg.Auth.TokenTTL)
	console := server.NewConsoleServer(logger, keys,
		handler.NewAuthHandler(authService),
		handler.NewFleetHandler(orch, logger),
	)
	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	// 10. Горячая перезагрузка конфига
	store.Watch(func() {
		next := store.Config()
		authService.SetOperators(next.Auth.Operators)
		reloadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := orch.Reload(reloadCtx); err != nil {
			logger.Warn("reload after config change failed", zap.Error(err))
		}
	})

	// 11. Запуск
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Start(gctx) })
	g.Go(func() error { return serve(gctx, apiSrv, logger.Named("api")) })
	g.Go(func() error { return serve(gctx, metricsSrv, logger.Named("metrics")) })

	logger.Info("orchestrator started",
		zap.String("api", apiSrv.Addr),
		zap.String("metrics", metricsSrv.Addr),
		zap.String("persistence", oc.Persistence),
		zap.String("driver", cfg.Driver.Mode),
		zap.Bool("leader_election", oc.LeaderElection))

	runErr := g.Wait()

	// 12. Graceful Shutdown: сессии получают ShutdownTimeout на завершение
	logger.Info("orchestrator stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), oc.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown incomplete", zap.Error(err))
	}
	logger.Info("orchestrator exited properly")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// serve держит сервер до отмены ctx и гасит его с таймаутом.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	return nil
}

func openSessionStore(cfg *infra.Config, rdb *redis.Client, db *sql.DB) (engine.SessionStore, error) {
	switch cfg.Orchestrator.Persistence {
	case "", "file":
		return filestore.New(cfg.Orchestrator.DataDir)
	case "redis":
		if rdb == nil {
			return nil, errors.New("persistence=redis requires a reachable redis")
		}
		return redisstore.New(rdb), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("persistence=postgres requires database.url")
		}
		return postgres.NewSessionRepo(db), nil
	default:
		return nil, fmt.Errorf("unsupported persistence %q", cfg.Orchestrator.Persistence)
	}
}
