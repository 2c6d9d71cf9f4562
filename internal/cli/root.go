// Package cli provides the proctor command line interface.
package cli

import (
	"context"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/proctor/internal/config"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/logging"
)

var (
	cfgFile        string
	logLevel       string
	jsonOutput     bool
	jsonlOutput    bool
	nonInteractive bool
	noProgress     bool
)

var (
	configMu  sync.RWMutex
	appConfig *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, ~/.config/proctor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&jsonlOutput, "jsonl", false, "output as JSON lines")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "skip prompts and terminal banners")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "suppress progress output on stderr")
}

var rootCmd = &cobra.Command{
	Use:   "proctor",
	Short: "Governed proficiency testing for LLM personas",
	Long: `Proctor enrolls LLM personas as agents, administers periodic proficiency
tests through budget-governed provider invocations, and tracks each
agent's progression as it passes or fails.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logging.Setup(logging.Options{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		setConfig(cfg)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetConfig returns the loaded configuration, or nil before the root
// command's setup has run.
func GetConfig() *config.Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *config.Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// openDatabase opens the configured SQLite database with migrations applied.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	if cfg == nil {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		setConfig(cfg)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(context.Background()); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
