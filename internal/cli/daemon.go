// Package cli provides the daemon command.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/proctor/internal/config"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/scheduler"
)

var daemonInterval time.Duration

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "override the scheduler tick interval")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the test scheduler",
	Long: `Run the periodic scheduler: every tick each active agent is considered
for a test cycle, and housekeeping rolls billing periods forward and
prunes old history. Stops cleanly on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		cfg := GetConfig()
		if cfg == nil {
			cfg = config.Default()
		}

		// File logging alone would leave an attached terminal silent.
		if cfg.Log.File != "" && IsInteractive() {
			logging.Setup(logging.Options{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				Console:    true,
			})
		}

		service, ledger, err := buildExamService(database)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Admission refuses cycles for unprovisioned providers, so a
		// daemon started before `proctor init` provisions them here.
		for i := range cfg.Providers {
			p := &cfg.Providers[i]
			if err := provisionAccount(ctx, database, ledger, models.Provider(p.Name), p.MonthlyLimit); err != nil {
				return fmt.Errorf("failed to provision %s account: %w", p.Name, err)
			}
		}

		schedConfig := scheduler.Config{
			TickInterval:         cfg.Scheduler.Interval,
			HousekeepingInterval: cfg.Scheduler.HousekeepingInterval,
			MaxConcurrentCycles:  cfg.Scheduler.MaxConcurrentCycles,
			RetentionMonths:      cfg.Scheduler.RetentionMonths,
		}
		if daemonInterval > 0 {
			schedConfig.TickInterval = daemonInterval
		}

		sched := scheduler.New(schedConfig, scheduler.Deps{
			Exam:   service,
			Agents: db.NewAgentRepository(database),
			Ledger: ledger,
			Usage:  db.NewUsageRepository(database),
			Events: db.NewEventRepository(database),
		})

		if err := sched.Start(ctx); err != nil {
			return err
		}

		if IsInteractive() {
			fmt.Fprintf(os.Stderr, "proctor daemon running (tick %s), press ctrl-c to stop\n", schedConfig.TickInterval)
		}

		<-ctx.Done()
		stop()

		if err := sched.Stop(); err != nil {
			return err
		}

		stats := sched.Stats()
		logger := logging.Component("daemon")
		logger.Info().
			Int64("ticks", stats.Ticks).
			Int64("completed", stats.CompletedCycles).
			Int64("denied", stats.DeniedCycles).
			Int64("failed", stats.FailedCycles).
			Msg("daemon stopped")
		return nil
	},
}
