package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labsync/labsync/internal/config"
	"github.com/labsync/labsync/internal/domain/directory"
	"github.com/labsync/labsync/internal/domain/labrequest"
	"github.com/labsync/labsync/internal/platform/auth"
	"github.com/labsync/labsync/internal/platform/channel"
	"github.com/labsync/labsync/internal/platform/db"
	"github.com/labsync/labsync/internal/platform/delivery"
	"github.com/labsync/labsync/internal/platform/middleware"
	"github.com/labsync/labsync/internal/platform/registry"
	"github.com/labsync/labsync/internal/platform/tasks"
	"github.com/labsync/labsync/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labsync-server",
		Short: "Lab request coordination server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			actorID := uuid.New()
			if actor != "" {
				actorID, err = uuid.Parse(actor)
				if err != nil {
					return fmt.Errorf("invalid actor id: %w", err)
				}
			}

			token, err := auth.Sign([]byte(cfg.ServiceTokenSecret), actorID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("actor", "", "Actor UUID (random when omitted)")
	cmd.Flags().String("role", auth.RoleService, "Token role")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// peerActorID derives a stable identity for the peer service from its base
// URL, so both channels address the same destination across restarts.
func peerActorID(peerURL string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(peerURL))
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

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Background plumbing: supervisor for fire-and-forget work, connection
	// registry for fan-out, role table fed by live connections.
	sup := tasks.NewSupervisor(logger, 0)
	defer sup.Close()

	roles := registry.NewRoleTable()
	reg := registry.New(roles, logger)
	defer reg.Close()

	metrics := telemetry.NewRegistry()

	// Delivery coordinator: persistent channel first, HTTP fallback second,
	// parked frames retried by the resync loop.
	fallback := channel.NewFallback(cfg.PeerURL+"/api/internal/messages", cfg.ServiceToken,
		cfg.FallbackMaxAttempts, cfg.FallbackBaseBackoff, logger)
	channelFor := func(actor uuid.UUID) (delivery.AckSender, bool) {
		h, ok := reg.Channel(actor)
		if !ok {
			return nil, false
		}
		sender, ok := h.(delivery.AckSender)
		return sender, ok
	}
	coord := delivery.New(channelFor, fallback, cfg.ResyncInterval, logger)
	coord.SetMetrics(metrics)

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go coord.Run(loopCtx)

	peerActor := peerActorID(cfg.PeerURL)

	// Lab request domain
	notifier := labrequest.NewPeerNotifier(coord, reg, sup, peerActor, logger)
	lrSvc := labrequest.NewService(
		labrequest.NewRepoPG(pool),
		labrequest.NewEventRepoPG(pool),
		labrequest.NewResultRepoPG(pool),
		notifier,
		logger,
	)
	lrSvc.SetTxRunner(func(ctx context.Context, fn func(context.Context) error) error {
		return db.InTx(ctx, pool, fn)
	})
	channelCfg := channel.Config{
		AckTimeout:        cfg.AckTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		MaxInFlight:       channel.DefaultMaxInFlight,
	}
	lrHandler := labrequest.NewHandler(lrSvc, reg, roles, channelCfg, logger)

	// Directory lookups against the peer, cached with durable snapshots.
	dirClient := directory.NewClient(cfg.PeerURL, cfg.ServiceToken)
	dirSvc := directory.NewService(dirClient, pool, directory.Config{
		TTL:              cfg.CacheTTL,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerRecovery:  cfg.BreakerRecovery,
	}, sup, logger)
	dirHandler := directory.NewHandler(dirSvc)

	// Outbound persistent channel, when this side dials.
	if cfg.PeerWSURL != "" {
		dialer := channel.NewDialer(cfg.PeerWSURL, cfg.ServiceToken,
			cfg.ReconnectMinInterval, lrHandler.DialConfig(peerActor), logger)
		go dialer.Run(loopCtx, func(p *channel.Peer) {
			reg.Register(p)
		})
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	// Health and metrics stay unauthenticated.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	api.Use(auth.Middleware([]byte(cfg.ServiceTokenSecret)))

	lrHandler.RegisterRoutes(api)
	dirHandler.RegisterRoutes(api)

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
	stopLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
