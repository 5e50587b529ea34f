package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"clinic/visit-queue/internal/availability"
	"clinic/visit-queue/internal/config"
	"clinic/visit-queue/internal/db"
	"clinic/visit-queue/internal/httpapi"
	"clinic/visit-queue/internal/identity"
	"clinic/visit-queue/internal/logging"
	"clinic/visit-queue/internal/outbox"
	"clinic/visit-queue/internal/queue"
	"clinic/visit-queue/internal/realtime"
	"clinic/visit-queue/internal/store"
	"clinic/visit-queue/internal/store/memory"
	"clinic/visit-queue/internal/store/postgres"
	"clinic/visit-queue/internal/telemetry"
	"clinic/visit-queue/internal/vitals"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "visit-queue",
		Short:        "Clinic visit queue and token scheduler",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the visit queue API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if driver, _ := cmd.Flags().GetString("store"); driver != "" {
				cfg.StoreDriver = driver
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().String("store", "", "Token store driver (postgres or memory); overrides STORE_DRIVER")
	return cmd
}

func runServer(cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	shutdownTelemetry := telemetry.Setup("visit-queue", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		tokens    store.TokenStore
		relaySrc  outbox.Source
		directory availability.Directory
		health    httpapi.HealthChecker
		pool      *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory token store; state is lost on restart")
		mem := memory.NewStore()
		tokens, relaySrc = mem, mem
		directory = availability.AlwaysOpen{Location: cfg.Location(), DefaultMax: cfg.DefaultMaxPatientsPerDay}
	default:
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		gdb, err := availability.Open(pool)
		if err != nil {
			return err
		}
		pg := postgres.NewStore(pool, postgres.Options{})
		tokens, relaySrc = pg, pg
		directory = availability.NewGormDirectory(gdb, cfg.Location(), cfg.DefaultMaxPatientsPerDay)
		health = db.PoolChecker{Pool: pool, Timeout: 2 * time.Second}
	}

	var checker vitals.Checker
	if client := vitals.NewClient(cfg.VitalsBaseURL, cfg.VitalsAPIToken, cfg.UpstreamTimeout()); client != nil {
		checker = client
	} else {
		logger.Warn().Msg("VITALS_BASE_URL not set; mark-ready relies on the caller's vitals signal")
	}

	hub := realtime.NewHub(logger.With().Str("component", "realtime").Logger())
	expvar.Publish("realtime_clients", expvar.Func(func() interface{} { return hub.Len() }))
	publisher := realtime.NewPublisher(hub, tokens, realtime.PublisherOptions{
		DefaultConsultation: cfg.DefaultConsultation(),
		Logger:              logger,
	})

	service := queue.NewService(tokens, directory, checker, publisher, queue.Options{
		Location:                 cfg.Location(),
		UpstreamTimeout:          cfg.UpstreamTimeout(),
		DefaultMaxPatientsPerDay: cfg.DefaultMaxPatientsPerDay,
		DefaultConsultation:      cfg.DefaultConsultation(),
		Logger:                   logger.With().Str("component", "queue").Logger(),
	})

	if cfg.AutoMissEnabled() {
		go service.RunSweeper(ctx, cfg.AutoMissInterval(), cfg.AutoMissGrace(), cfg.AutoMissBatchSize)
	}

	if sink := outbox.NewWebhookSink(cfg.OutboxWebhookURL, cfg.OutboxWebhookToken, cfg.UpstreamTimeout()); sink != nil {
		relay := outbox.New(relaySrc, sink, outbox.Config{
			Consumer:    cfg.OutboxConsumer,
			BatchSize:   cfg.OutboxBatchSize,
			MaxAttempts: cfg.OutboxMaxAttempts,
			Logger:      logger,
		})
		go relay.Start(ctx, cfg.OutboxPollInterval())
		logger.Info().Str("consumer", cfg.OutboxConsumer).Msg("outbox relay enabled")
	}

	verifier := identity.NewVerifier(cfg.JWTSigningKey, cfg.JWTIssuer)
	if verifier == nil {
		logger.Warn().Msg("JWT_SIGNING_KEY not set; API runs without authentication")
	}
	var authorize realtime.Authorizer
	if verifier != nil {
		authorize = func(r *http.Request) error {
			_, err := verifier.Authenticate(r)
			return err
		}
	}

	handler := httpapi.NewHandler(service, httpapi.Options{Health: health, Logger: logger})
	mux := handler.Routes()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtime.NewHandler("/realtime", hub, authorize, logger))

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		ActorPerMinute: cfg.ActorRateLimitPerMinute,
		ActorBurst:     cfg.ActorRateLimitBurst,
	})
	go pruneLimiter(ctx, limiter)

	chain := httpapi.AuthMiddleware(verifier, limiter.Middleware(mux))
	chain = httpapi.Recovery(logger)(chain)
	chain = httpapi.LoggingMiddleware(logger)(chain)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "visit-queue"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("visit-queue listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	return nil
}

func pruneLimiter(ctx context.Context, limiter *httpapi.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, migrator *db.Migrator, schema string, log zerolog.Logger) error {
				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				log.Info().Str("schema", schema).Int("applied", count).Msg("migrations complete")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, migrator *db.Migrator, schema string, log zerolog.Logger) error {
				statuses, err := migrator.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, sub := range []*cobra.Command{upCmd, statusCmd} {
		sub.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		sub.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		cmd.AddCommand(sub)
	}
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, migrator *db.Migrator, schema string, log zerolog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DB_DSN is required for migrations")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir), schema, log)
}
