// Package cli provides the test command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/proctor/internal/budget"
)

func init() {
	rootCmd.AddCommand(testCmd)
}

var testCmd = &cobra.Command{
	Use:   "test <agent>",
	Short: "Administer one proficiency test",
	Long: `Administer one governed test cycle to an agent: pass admission, invoke
the persona through the provider chain, grade the answer, and record the
attempt. Accepts an agent ID or name.`,
	Args: cobra.ExactArgs(1),
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

		step := startProgress(fmt.Sprintf("testing %s", args[0]))
		result, err := service.AdministerTest(ctx, args[0])
		if err != nil {
			step.Fail(nil)
			var denied *budget.DeniedError
			if errors.As(err, &denied) && denied.RetryAfter > 0 {
				return fmt.Errorf("%s (retry in %s)", denied.Error(), denied.RetryAfter.Round(time.Second))
			}
			return err
		}
		step.Done()

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, result)
		}

		fmt.Fprintf(os.Stdout, "Outcome:    %s\n", formatOutcome(result.Outcome))
		fmt.Fprintf(os.Stdout, "Score:      %d (threshold %d)\n", result.Score, result.Threshold)
		fmt.Fprintf(os.Stdout, "Difficulty: %s, %d layers\n", result.Difficulty, result.Layers)
		if result.Provider != "" {
			fmt.Fprintf(os.Stdout, "Provider:   %s\n", result.Provider)
		}
		if result.Fallback {
			fmt.Fprintln(os.Stdout, "Grading:    deterministic fallback")
		}
		fmt.Fprintf(os.Stdout, "Attempt:    %s\n", result.AttemptID)
		return nil
	},
}
