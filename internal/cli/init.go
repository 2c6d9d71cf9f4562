// Package cli provides the init command for first-run setup.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/proctor/internal/config"
	"github.com/opencode-ai/proctor/internal/models"
)

var initForce bool

// configDirFunc returns the directory init writes config.yaml into.
// Overridable in tests.
var configDirFunc = defaultConfigDir

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize proctor",
	Long:  "Write the default config file, initialize the database, and provision provider accounts from the configured monthly limits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := []initResult{
			createConfigFile(),
			initializeDatabase(),
			provisionConfiguredAccounts(),
		}

		failed := false
		for _, result := range results {
			label := result.status
			switch result.status {
			case "done":
				label = colorize("done", colorGreen)
			case "skipped":
				label = colorize("skipped", colorYellow)
			case "failed":
				label = colorize("failed", colorRed)
				failed = true
			}
			if result.message != "" {
				fmt.Fprintf(os.Stdout, "%-18s %s (%s)\n", result.name, label, result.message)
			} else {
				fmt.Fprintf(os.Stdout, "%-18s %s\n", result.name, label)
			}
		}

		if failed {
			return fmt.Errorf("initialization incomplete")
		}

		if IsInteractive() {
			fmt.Fprintln(os.Stdout)
			fmt.Fprintln(os.Stdout, "Next steps:")
			fmt.Fprintln(os.Stdout, `  proctor agents enroll <name> --persona "You are a senior backend engineer."`)
			fmt.Fprintln(os.Stdout, "  proctor test <name>")
			fmt.Fprintln(os.Stdout, "  proctor daemon")
		}
		return nil
	},
}

type initResult struct {
	name    string
	status  string
	message string
}

func createConfigFile() initResult {
	result := initResult{name: "Config file"}

	dir := configDirFunc()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil && !initForce {
		result.status = "skipped"
		result.message = fmt.Sprintf("%s already exists", path)
		return result
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}

	result.status = "done"
	result.message = path
	return result
}

func initializeDatabase() initResult {
	result := initResult{name: "Database"}

	database, err := openDatabase()
	if err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	defer database.Close()

	result.status = "done"
	if cfg := GetConfig(); cfg != nil {
		result.message = cfg.DBPath
	}
	return result
}

func provisionConfiguredAccounts() initResult {
	result := initResult{name: "Accounts"}

	ctx := context.Background()
	database, err := openDatabase()
	if err != nil {
		result.status = "failed"
		result.message = err.Error()
		return result
	}
	defer database.Close()

	cfg := GetConfig()
	if cfg == nil {
		cfg = config.Default()
	}
	ledger := buildLedger(database, cfg)

	provisioned := make([]string, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if err := provisionAccount(ctx, database, ledger, models.Provider(p.Name), p.MonthlyLimit); err != nil {
			result.status = "failed"
			result.message = fmt.Sprintf("%s: %v", p.Name, err)
			return result
		}
		provisioned = append(provisioned, p.Name)
	}

	result.status = "done"
	result.message = strings.Join(provisioned, ", ")
	return result
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "proctor")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".proctor"
	}
	return filepath.Join(home, ".config", "proctor")
}

const configTemplate = `# Proctor Configuration File
# Values here layer over the built-in defaults; PROCTOR_* environment
# variables override both.

# db_path: ~/.local/share/proctor/proctor.db

log:
  level: info
  # file: /var/log/proctor/proctor.log
  # max_size_mb: 50
  # max_backups: 3

providers:
  - name: anthropic
    base_url: https://api.anthropic.com/v1
    model: claude-sonnet-4-20250514
    api_key_env: ANTHROPIC_API_KEY
    monthly_limit: 140000000
    requests_per_minute: 42
    max_output_tokens: 1024
  - name: openai
    base_url: https://api.openai.com/v1
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
    monthly_limit: 9000000
    requests_per_minute: 30
    max_output_tokens: 1024

routing:
  primary: anthropic
  secondary: openai
  fallback_threshold: 0.95
  invoke_timeout: 45s

admission:
  cooldown_period: 300s
  max_concurrent: 2
  max_hourly_fraction: 0.005
  max_daily_fraction: 0.08
  min_daily_fraction: 0.02
  catch_up_enabled: true
  catch_up_days: 7

exam:
  promotion_streak: 3
  level_threshold: 1000
  history_limit: 50
  # prompts_dir: /etc/proctor/prompts

scheduler:
  interval: 60s
  housekeeping_interval: 1h
  max_concurrent_cycles: 2
  retention_months: 2

# Uncomment to share the budget ledger between instances.
# redis:
#   addr: localhost:6379
#   key_prefix: proctor
`
