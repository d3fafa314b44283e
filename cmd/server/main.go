package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"convoflow/engine/internal/clients"
	"convoflow/engine/internal/config"
	"convoflow/engine/internal/engine"
	"convoflow/engine/internal/ingress"
	"convoflow/engine/internal/logging"
	"convoflow/engine/internal/payment"
	"convoflow/engine/internal/quota"
	"convoflow/engine/internal/repository"
	"convoflow/engine/internal/supervisor"
	"convoflow/engine/internal/telemetry"
	tlsutil "convoflow/engine/internal/tls"
)

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Conversational workflow execution engine",
	}
	root.AddCommand(serveCmd(), sweepCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles the wired components shared by the serve and sweep
// commands.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	pool       *pgxpool.Pool
	store      *repository.PostgresStore
	payments   *payment.Service
	supervisor *supervisor.Supervisor
}

func setup(ctx context.Context) (*runtime, error) {
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("database connected")

	store := repository.NewPostgresStore(pool)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	ledger := quota.NewLedger(store)
	aiClient := clients.NewHTTPAIClient(cfg.AI.URL, cfg.AI.Timeout)
	messenger := clients.NewHTTPMessenger(cfg.Messaging.URL, cfg.Messaging.Timeout)
	accounts := clients.NewHTTPAccountDirectory(cfg.Accounts.URL)

	payments := payment.NewService(store, messenger, payment.Config{
		Window:          cfg.Payment.Window,
		ReferencePrefix: cfg.Payment.ReferencePrefix,
		Keywords:        cfg.Payment.Keywords,
		AmountTolerance: cfg.Payment.AmountTolerance,
		MaxCodeDistance: cfg.Payment.MaxCodeDistance,
		DisplayCurrency: cfg.Payment.DisplayCurrency,
		FxRates:         cfg.Payment.FxRates,
	}, logger, metrics)

	engineCfg := engine.Config{
		MaxRetries:       cfg.Engine.MaxRetries,
		BackoffInitial:   cfg.Engine.BackoffInitial,
		BackoffMax:       cfg.Engine.BackoffMax,
		AIMinuteEstimate: cfg.Engine.AIMinuteEstimate,
		ReplyTimeout:     cfg.Engine.ReplyTimeout,
	}
	eng := engine.New(store, ledger, accounts,
		engine.DefaultHandlers(aiClient, messenger, payments, engineCfg),
		engineCfg, logger, metrics)

	sup := supervisor.New(eng, payments, store, supervisor.Config{
		MaxConcurrentSessions: cfg.Supervisor.MaxConcurrentSessions,
		LaneBuffer:            cfg.Supervisor.LaneBuffer,
		SweepInterval:         cfg.Payment.SweepInterval,
	}, logger)

	logger.Info("service layer initialized")
	return &runtime{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		store:      store,
		payments:   payments,
		supervisor: sup,
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution engine with its event ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.pool.Close()
			cfg, logger := rt.cfg, rt.logger

			if err := rt.supervisor.Start(ctx); err != nil {
				return fmt.Errorf("failed to start supervision: %w", err)
			}
			defer rt.supervisor.Stop()

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.Logger())
			e.Use(middleware.Recover())

			ingressServer := ingress.NewServer(rt.supervisor, rt.payments, rt.store)
			ingressServer.Register(e.Group("/v1"))
			e.GET("/healthz", ingressServer.Health)
			logger.Info("ingress handlers mounted")

			server := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      e,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			serverErrors := make(chan error, 1)
			go func() {
				logger.Info("server starting", "address", cfg.Server.Addr, "tls", cfg.Server.TLS.Enable)
				if cfg.Server.TLS.Enable {
					if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) && len(cfg.Server.TLS.Hostnames) > 0 {
						if err := tlsutil.GenerateSelfSignedCert(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.Hostnames); err != nil {
							logger.Error("failed to generate self-signed cert", "error", err)
						}
					}
					serverErrors <- server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
				} else {
					serverErrors <- server.ListenAndServe()
				}
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serverErrors:
				if err != http.ErrServerClosed {
					return fmt.Errorf("server error: %w", err)
				}
			case sig := <-shutdown:
				logger.Info("shutdown signal received", "signal", sig)

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown error", "error", err)
					if err := server.Close(); err != nil {
						logger.Error("server close error", "error", err)
					}
				}
				logger.Info("server stopped gracefully")
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue payment intents once and resume their sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.pool.Close()

			if err := rt.supervisor.Sweep(ctx); err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			rt.supervisor.Stop()
			rt.logger.Info("sweep complete")
			return nil
		},
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
