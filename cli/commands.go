package cli

import (
	"github.com/spf13/cobra"

	"platform-sync/database"
)

func NewProcessCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Fail stale claims, requeue retryable failures and drain pending events once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if limit <= 0 {
				limit = cfg.Sync.EventBatchSize
			}
			if _, err := a.Processor.RecoverStale(cmd.Context()); err != nil {
				return err
			}
			if _, err := a.Processor.RequeueFailed(cmd.Context()); err != nil {
				return err
			}
			stats, err := a.Processor.ProcessPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to process (defaults to sync.event_batch_size)")
	return cmd
}

func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile one user or every user that is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if userID != "" {
				return printJSON(cmd, a.Reconciler.ReconcileUser(cmd.Context(), userID))
			}
			if limit <= 0 {
				limit = cfg.Sync.ReconcileLimit
			}
			stats, err := a.Reconciler.ReconcileAll(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "reconcile only this primary user id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum users to reconcile (defaults to sync.reconcile_limit)")
	return cmd
}

func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Move a failed event back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.Processor.RetryEvent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"event_id": args[0], "retried": ok})
		},
	}
}

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database, log)
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Info("✅ Database migrated")
			return nil
		},
	}
}
