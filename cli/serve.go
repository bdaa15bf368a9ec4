package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"platform-sync/database"
	"platform-sync/handlers"
	"platform-sync/middleware"
	"platform-sync/workers"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := database.Migrate(a.DB); err != nil {
		return err
	}

	if a.Discord != nil {
		if err := a.Discord.TestConnection(ctx); err != nil {
			log.WithError(err).Warn("⚠️ Discord connection check failed, role grants will retry")
		} else {
			log.Info("✅ Discord connection verified")
		}
	}

	sched, err := workers.NewScheduler(logrus.NewEntry(log))
	if err != nil {
		return err
	}
	entry := logrus.NewEntry(log)
	jobs := []workers.Job{
		{Name: "event_sync", Interval: cfg.Sync.EventInterval, Run: workers.NewEventSyncWorker(a.Processor, cfg.Sync.EventBatchSize, entry).Run},
		{Name: "reconcile", Interval: cfg.Sync.ReconcileInterval, Run: workers.NewReconcileWorker(a.Reconciler, cfg.Sync.ReconcileLimit).Run},
		{Name: "role_grants", Interval: cfg.Sync.RoleGrantInterval, Run: workers.NewRoleGrantWorker(a.RoleGrants, cfg.Sync.RoleGrantBatchSize).Run},
		{Name: "cleanup", Interval: cfg.Sync.CleanupInterval, Run: workers.NewCleanupWorker(a.Janitor).Run},
	}
	for _, j := range jobs {
		if err := sched.Add(ctx, j); err != nil {
			return err
		}
	}
	sched.Start()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins(cfg.Server.AllowedOrigins),
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		MaxAge:       86400,
	}))
	handlers.SetupSyncRoutes(app, handlers.SyncDeps{
		Factory:    a.Factory,
		Processor:  a.Processor,
		Reconciler: a.Reconciler,
		Grants:     a.RoleGrants,
		Links:      a.LinkSvc,
		Events:     a.Events,
		Ledger:     a.Ledger,
		States:     a.States,
		BatchSize:  cfg.Sync.EventBatchSize,
		Log:        entry,
	}, middleware.TokenAuth(cfg.Auth.Clients, entry))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
	}()
	log.WithField("port", cfg.Server.Port).Info("✅ Server running")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("❌ Server error")
		}
	}

	log.Info("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.WithError(err).Warn("⚠️ HTTP shutdown incomplete")
	}
	return sched.Shutdown()
}

func allowedOrigins(raw string) string {
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}
