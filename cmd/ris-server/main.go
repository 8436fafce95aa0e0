package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ris/ris/internal/config"
	"github.com/ris/ris/internal/domain/image"
	"github.com/ris/ris/internal/domain/order"
	"github.com/ris/ris/internal/domain/patient"
	"github.com/ris/ris/internal/domain/report"
	"github.com/ris/ris/internal/domain/visit"
	"github.com/ris/ris/internal/platform/db"
	"github.com/ris/ris/internal/platform/dimse"
	"github.com/ris/ris/internal/platform/imagestore"
	"github.com/ris/ris/internal/platform/middleware"
	"github.com/ris/ris/internal/platform/queue"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ris-server",
		Short: "Imaging order and device-integration engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and device listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	runner := db.NewRunner(pool)

	// Repositories
	patientRepo := patient.NewRepoPG(pool)
	orderRepo := order.NewRepoPG(pool)
	visitRepo := visit.NewRepoPG(pool)
	imageRepo := image.NewRepoPG(pool)
	reportRepo := report.NewRepoPG(pool)

	// Services
	visitSvc := visit.NewService(visitRepo, logger)
	orderSvc := order.NewService(orderRepo, visitRepo, runner, logger)
	imageSvc := image.NewService(imageRepo, logger)
	reportSvc := report.NewService(reportRepo, logger)

	// File store
	store, err := imagestore.New(cfg.StorageRoot, cfg.ThumbnailRoot, cfg.MaxPayloadBytes, int(cfg.StorageQuotaPercent), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize image store")
	}

	// Post-processing queue (optional)
	var enqueuer dimse.Enqueuer
	if cfg.AMQPURL != "" {
		publisher, err := queue.NewPublisher(cfg.AMQPURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer publisher.Close()
		enqueuer = publisher
		logger.Info().Msg("connected to message broker")
	}

	// Device listeners
	worklistSCP := dimse.NewWorklistSCP(orderRepo, patientRepo, cfg.AETitle, cfg.SCPModality, logger)
	storeSCP := dimse.NewStoreSCP(imageRepo, visitSvc, store, runner, enqueuer, cfg.SCPModality, logger)
	mppsSCP := dimse.NewMPPSSCP(visitSvc, orderSvc, runner, logger)

	servers := []*dimse.Server{
		dimse.NewServer("worklist", fmt.Sprintf(":%d", cfg.WorklistPort), cfg.AETitle, cfg.MaxPayloadBytes, worklistSCP.Handle, logger),
		dimse.NewServer("store", fmt.Sprintf(":%d", cfg.StorePort), cfg.AETitle, cfg.MaxPayloadBytes, storeSCP.Handle, logger),
		dimse.NewServer("mpps", fmt.Sprintf(":%d", cfg.MPPSPort), cfg.AETitle, cfg.MaxPayloadBytes, mppsSCP.Handle, logger),
	}
	supervisor := dimse.NewSupervisor(
		servers,
		cfg.ListenerStartRetries,
		time.Duration(cfg.ListenerRetryBackoffMS)*time.Millisecond,
		logger,
	)
	if err := supervisor.StartAll(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start device listeners")
	}
	defer supervisor.StopAll()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	api := e.Group("/api")
	guarded := api.Group("", middleware.AdminGuard(cfg.AdminTokenSecret))

	order.NewHandler(orderSvc).RegisterRoutes(api)
	image.NewHandler(imageSvc).RegisterRoutes(api)
	report.NewHandler(reportSvc).RegisterRoutes(api, guarded)
	dimse.NewOpsHandler(supervisor, store, mppsSCP).RegisterRoutes(guarded)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if err := supervisor.StopAll(); err != nil {
		logger.Warn().Err(err).Msg("listener shutdown reported errors")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
