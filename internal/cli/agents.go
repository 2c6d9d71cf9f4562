// Package cli provides agent management CLI commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/models"
)

var (
	agentsEnrollPersona string
	agentsHistoryLimit  int
)

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsEnrollCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsHistoryCmd)
	agentsCmd.AddCommand(agentsActivateCmd)
	agentsCmd.AddCommand(agentsDeactivateCmd)

	agentsEnrollCmd.Flags().StringVar(&agentsEnrollPersona, "persona", "", "system prompt the agent answers tests with (required)")
	_ = agentsEnrollCmd.MarkFlagRequired("persona")
	agentsHistoryCmd.Flags().IntVar(&agentsHistoryLimit, "limit", 0, "maximum attempts to show (default from config)")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage enrolled agents",
	Long:  "Enroll, list, and inspect the LLM personas under test.",
}

var agentsEnrollCmd = &cobra.Command{
	Use:   "enroll <name>",
	Short: "Enroll a new agent",
	Long:  "Enroll an LLM persona as an agent. New agents start at level 1 on basic difficulty.",
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

		agent, err := service.EnrollAgent(ctx, args[0], agentsEnrollPersona)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, agent)
		}

		fmt.Fprintf(os.Stdout, "Agent %q enrolled (ID: %s)\n", agent.Name, agent.ID)
		return nil
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Long:  "List enrolled agents with their progression counters, inactive agents included.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		agents, err := db.NewAgentRepository(database).List(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, agents)
		}

		if len(agents) == 0 {
			fmt.Fprintln(os.Stdout, "No agents enrolled.")
			return nil
		}

		rows := make([][]string, 0, len(agents))
		for _, agent := range agents {
			rows = append(rows, []string{
				agent.Name,
				fmt.Sprintf("%d", agent.Level),
				fmt.Sprintf("%d", agent.XP),
				fmt.Sprintf("%d", agent.TotalAttempts),
				formatStreak(agent),
				formatTimeAgo(agent.LastRequestAt),
				formatYesNo(agent.IsActive),
			})
		}
		return writeTable(os.Stdout, []string{"NAME", "LEVEL", "XP", "ATTEMPTS", "STREAK", "LAST TEST", "ACTIVE"}, rows)
	},
}

var agentsHistoryCmd = &cobra.Command{
	Use:   "history <agent>",
	Short: "Show an agent's attempt history",
	Long:  "Show an agent's recent test attempts, newest first. Accepts an agent ID or name.",
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

		attempts, err := service.AgentHistory(ctx, args[0], agentsHistoryLimit)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, attempts)
		}

		if len(attempts) == 0 {
			fmt.Fprintln(os.Stdout, "No attempts recorded.")
			return nil
		}

		rows := make([][]string, 0, len(attempts))
		for _, attempt := range attempts {
			prov := string(attempt.Provider)
			if prov == "" {
				prov = "-"
			}
			rows = append(rows, []string{
				attempt.RecordedAt.Local().Format("2006-01-02 15:04"),
				string(attempt.Difficulty),
				attempt.Category,
				fmt.Sprintf("%d", attempt.Score),
				fmt.Sprintf("%d", attempt.Threshold),
				formatOutcome(attempt.Outcome),
				prov,
				formatYesNo(attempt.Fallback),
			})
		}
		return writeTable(os.Stdout, []string{"RECORDED", "DIFFICULTY", "CATEGORY", "SCORE", "THRESHOLD", "OUTCOME", "PROVIDER", "FALLBACK"}, rows)
	},
}

var agentsActivateCmd = &cobra.Command{
	Use:   "activate <agent>",
	Short: "Return an agent to scheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentActive(args[0], true)
	},
}

var agentsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <agent>",
	Short: "Remove an agent from scheduling",
	Long:  "Deactivate an agent. The scheduler skips deactivated agents; attempt history is kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentActive(args[0], false)
	},
}

func setAgentActive(ref string, active bool) error {
	ctx := context.Background()

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	repo := db.NewAgentRepository(database)
	agent, err := resolveAgent(ctx, repo, ref)
	if err != nil {
		return err
	}

	if err := repo.SetActive(ctx, agent.ID, active); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	if active {
		fmt.Fprintf(os.Stdout, "Agent %q activated\n", agent.Name)
	} else {
		fmt.Fprintf(os.Stdout, "Agent %q deactivated\n", agent.Name)
	}
	return nil
}

// resolveAgent accepts an agent ID or name.
func resolveAgent(ctx context.Context, repo *db.AgentRepository, ref string) (*models.Agent, error) {
	agent, err := repo.Get(ctx, ref)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, db.ErrAgentNotFound) {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}

	agent, err = repo.GetByName(ctx, ref)
	if err != nil {
		if errors.Is(err, db.ErrAgentNotFound) {
			return nil, fmt.Errorf("agent %q not found", ref)
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return agent, nil
}

func formatStreak(agent *models.Agent) string {
	if agent.ConsecutiveFailures > 0 {
		return colorize(fmt.Sprintf("%d failed", agent.ConsecutiveFailures), colorRed)
	}
	if agent.ConsecutiveSuccesses > 0 {
		return colorize(fmt.Sprintf("%d passed", agent.ConsecutiveSuccesses), colorGreen)
	}
	return "-"
}
