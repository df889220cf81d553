package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Maximooch/penguin/internal/core"
)

func taskCmd() *cobra.Command {
	var description string
	var continuous bool
	var timeLimit time.Duration
	cmd := &cobra.Command{
		Use:   "task <name>",
		Short: "Run a task to completion",
		Long:  "Runs the engine in task mode until the agent signals completion, or continuously with --continuous until the time limit.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, cleanup, err := bootCore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := c.StartRunMode(ctx, core.RunModeOptions{
				Name:        args[0],
				Description: description,
				Continuous:  continuous,
				TimeLimit:   timeLimit,
			})
			if err != nil {
				return err
			}

			fmt.Println(result.AssistantResponse)
			fmt.Printf("\n%d iteration(s), %d action(s)\n", result.Iterations, len(result.ActionResults))
			if result.NeedsInput {
				fmt.Println("The agent paused for clarification; continue in chat.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "run continuously until the time limit")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "wall-clock limit for continuous runs (e.g. 30m)")
	return cmd
}
