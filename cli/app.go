package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"platform-sync/config"
	"platform-sync/database"
	"platform-sync/models"
	"platform-sync/repository"
	"platform-sync/services"
	"platform-sync/utils"
)

// App is the wired service graph shared by every command.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logrus.Logger

	Events  *repository.EventStore
	Ledger  *repository.Ledger
	States  *repository.SyncStateStore
	Links   *repository.LinkStore
	Grants  *repository.RoleGrantStore
	Audit   *repository.SyncLogStore
	Users   services.UserStores
	Discord *services.DiscordClient

	Factory    *services.EventFactory
	Processor  *services.EventProcessor
	Reconciler *services.Reconciler
	RoleGrants *services.RoleGrantService
	LinkSvc    *services.LinkService
	Janitor    *services.Janitor
}

func loadConfig(opts *RootOptions) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(opts.ConfigDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, utils.NewLogger(cfg.Log), nil
}

// buildApp opens the database and wires every service from cfg.
func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return wire(ctx, cfg, db, log)
}

func wire(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logrus.Logger) (*App, error) {
	entry := logrus.NewEntry(log)
	a := &App{
		Config: cfg,
		DB:     db,
		Logger: log,
		Events: repository.NewEventStore(db),
		Ledger: repository.NewLedger(db),
		States: repository.NewSyncStateStore(db),
		Links:  repository.NewLinkStore(db),
		Grants: repository.NewRoleGrantStore(db),
		Audit:  repository.NewSyncLogStore(db),
	}
	a.Users = services.UserStores{
		models.PlatformTelegram: repository.NewPlatformUserStore(db, models.PlatformTelegram),
		models.PlatformDiscord:  repository.NewPlatformUserStore(db, models.PlatformDiscord),
	}

	var roleClient services.RoleClient
	if cfg.Discord.Enabled {
		a.Discord = services.NewDiscordClient(cfg.Discord.BaseURL, cfg.Discord.BotToken, cfg.Discord.GuildID, cfg.Discord.Timeout)
		roleClient = a.Discord
	}

	rankRoles, err := services.ParseRankRoles(cfg.Roles.Ranks)
	if err != nil {
		return nil, err
	}

	a.Factory = services.NewEventFactory(a.Events, entry)
	a.RoleGrants = services.NewRoleGrantService(a.Grants, a.Links, a.Audit, roleClient, cfg.Sync.RoleGrantMaxRetries, entry)
	a.Processor = services.NewEventProcessor(a.Events, a.Links, a.States, a.Factory, a.Users, entry,
		services.WithWorkers(cfg.Sync.Workers),
		services.WithProcessingTimeout(cfg.Sync.ProcessingTimeout),
		services.WithRoleGranter(a.RoleGrants, services.RoleRules{
			Achievements: cfg.Roles.Achievements,
			Ranks:        rankRoles,
		}),
	)
	a.Reconciler = services.NewReconciler(a.States, a.Links, a.Users, cfg.Sync.ReconcileStaleAfter, entry)
	a.LinkSvc = services.NewLinkService(a.Links, a.Audit, cfg.Links.CodeTTL, entry)

	var uploader services.ObjectUploader
	if cfg.Archive.Enabled {
		archiver, err := utils.NewR2Archiver(ctx, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		uploader = archiver
	}
	a.Janitor = services.NewJanitor(a.Events, a.LinkSvc, uploader, cfg.Archive.Prefix,
		cfg.Sync.CompletedRetention, cfg.Sync.FailedRetention, entry)
	return a, nil
}

func (a *App) Close() {
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
