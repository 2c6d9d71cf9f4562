// Package cli provides account management CLI commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/proctor/internal/config"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/models"
)

var accountsSetLimitMonthly int64

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsSetLimitCmd)

	accountsSetLimitCmd.Flags().Int64Var(&accountsSetLimitMonthly, "monthly", 0, "monthly token allowance (required)")
	_ = accountsSetLimitCmd.MarkFlagRequired("monthly")
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage provider accounts",
	Long:  "Inspect and adjust the monthly token allowances the budget checks run against.",
}

// accountRow is the JSON shape of one provider account listing.
type accountRow struct {
	Provider     models.Provider    `json:"provider"`
	MonthlyLimit int64              `json:"monthly_limit"`
	MonthlyUsed  int64              `json:"monthly_used"`
	Fraction     float64            `json:"usage_fraction"`
	Status       models.UsageStatus `json:"status"`
	PeriodStart  string             `json:"period_start"`
	Active       bool               `json:"is_active"`
	Provisioned  bool               `json:"provisioned"`
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider accounts",
	Long:  "List the configured providers with their provisioned allowances and current consumption.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		cfg := GetConfig()
		if cfg == nil {
			cfg = config.Default()
		}
		ledger := buildLedger(database, cfg)

		rows := make([]accountRow, 0, len(cfg.Providers))
		for i := range cfg.Providers {
			prov := models.Provider(cfg.Providers[i].Name)
			account, err := ledger.Account(ctx, prov)
			if errors.Is(err, db.ErrAccountNotFound) {
				rows = append(rows, accountRow{Provider: prov})
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load account %s: %w", prov, err)
			}
			rows = append(rows, accountRow{
				Provider:     prov,
				MonthlyLimit: account.MonthlyLimit,
				MonthlyUsed:  account.MonthlyUsed,
				Fraction:     account.UsageFraction(),
				Status:       account.Status(),
				PeriodStart:  account.PeriodStart.Format("2006-01-02"),
				Active:       account.IsActive,
				Provisioned:  true,
			})
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, rows)
		}

		tableRows := make([][]string, 0, len(rows))
		for _, row := range rows {
			if !row.Provisioned {
				tableRows = append(tableRows, []string{
					string(row.Provider), "-", "-", "-",
					colorize("not provisioned", colorYellow), "-",
				})
				continue
			}
			tableRows = append(tableRows, []string{
				string(row.Provider),
				formatTokens(row.MonthlyLimit),
				formatTokens(row.MonthlyUsed),
				formatFraction(row.Fraction),
				formatUsageStatus(row.Status),
				row.PeriodStart,
			})
		}
		return writeTable(os.Stdout, []string{"PROVIDER", "LIMIT", "USED", "FRACTION", "STATUS", "PERIOD"}, tableRows)
	},
}

var accountsSetLimitCmd = &cobra.Command{
	Use:   "set-limit <provider>",
	Short: "Set a provider's monthly allowance",
	Long:  "Provision the provider's account if missing and set its monthly token allowance. Consumed tokens are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		prov, err := parseProvider(args[0])
		if err != nil {
			return err
		}
		if accountsSetLimitMonthly <= 0 {
			return fmt.Errorf("monthly allowance must be positive")
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		cfg := GetConfig()
		if cfg == nil {
			cfg = config.Default()
		}
		ledger := buildLedger(database, cfg)

		if err := provisionAccount(ctx, database, ledger, prov, accountsSetLimitMonthly); err != nil {
			return fmt.Errorf("failed to set limit: %w", err)
		}

		account, err := ledger.Account(ctx, prov)
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, account)
		}

		fmt.Fprintf(os.Stdout, "Account %s: monthly limit %s, used %s this period\n",
			prov, formatTokens(account.MonthlyLimit), formatTokens(account.MonthlyUsed))
		return nil
	},
}
