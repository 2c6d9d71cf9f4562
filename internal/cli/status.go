// Package cli provides the status command.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <agent>",
	Short: "Show an agent's progression",
	Long:  "Show an agent's level, XP, streaks, and the shape its next test would take. Accepts an agent ID or name.",
	Args:  cobra.ExactArgs(1),
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

		status, err := service.GetAgentStatus(ctx, args[0])
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, status)
		}

		fmt.Fprintf(os.Stdout, "Agent:     %s (%s)\n", status.Name, status.AgentID)
		fmt.Fprintf(os.Stdout, "Level:     %d (%d XP)\n", status.Level, status.XP)
		fmt.Fprintf(os.Stdout, "Next test: %s, %d layers, threshold %d\n", status.Difficulty, status.Layers, status.Threshold)
		switch {
		case status.ConsecutiveFailures > 0:
			fmt.Fprintf(os.Stdout, "Streak:    %s\n", colorize(fmt.Sprintf("%d failed", status.ConsecutiveFailures), colorRed))
		case status.ConsecutiveSuccesses > 0:
			fmt.Fprintf(os.Stdout, "Streak:    %s\n", colorize(fmt.Sprintf("%d passed", status.ConsecutiveSuccesses), colorGreen))
		}
		fmt.Fprintf(os.Stdout, "Attempts:  %d\n", status.TotalAttempts)
		fmt.Fprintf(os.Stdout, "Last test: %s\n", formatTimeAgo(status.LastRequestAt))
		return nil
	},
}
