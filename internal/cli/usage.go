// Package cli provides the usage command.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(usageCmd)
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token consumption across providers",
	Long:  "Show each provider's monthly, daily, and hourly token consumption against its allowance, plus the active admission limits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		service, _, err := buildExamService(database)
		if err != nil {
			return err
		}

		distribution, err := service.GetUsageDistribution(ctx)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, distribution)
		}

		if len(distribution.Providers) == 0 {
			fmt.Fprintln(os.Stdout, "No provider accounts provisioned. Run `proctor init` first.")
			return nil
		}

		rows := make([][]string, 0, len(distribution.Providers))
		for _, usage := range distribution.Providers {
			rows = append(rows, []string{
				string(usage.Provider),
				fmt.Sprintf("%s / %s", formatTokens(usage.MonthlyUsed), formatTokens(usage.MonthlyLimit)),
				formatFraction(usage.UsageFraction),
				formatUsageStatus(usage.Status),
				formatTokens(usage.DailyUsed),
				formatTokens(usage.HourlyUsed),
			})
		}
		if err := writeTable(os.Stdout, []string{"PROVIDER", "MONTHLY", "FRACTION", "STATUS", "TODAY", "THIS HOUR"}, rows); err != nil {
			return err
		}

		limits := distribution.RateLimits
		fmt.Fprintf(os.Stdout, "\nActive tests: %d of %d\n", distribution.ActiveConcurrency, limits.MaxConcurrent)
		fmt.Fprintf(os.Stdout, "Caps: %s hourly, %s daily of the monthly allowance; cooldown %s per agent\n",
			formatFraction(limits.MaxHourlyFraction),
			formatFraction(limits.MaxDailyFraction),
			limits.CooldownPeriod)
		return nil
	},
}
