package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"updatectl/internal/orchestrator"
)

func newStatusCmd() *cobra.Command {
	var (
		planID string
		prune  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a stored execution",
		Long: `Status prints the per-operation state of an execution from the state
store. Without --plan the most recently started execution is shown.
Status is read-only and works while another process is executing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}

			if prune {
				pruned, err := orch.Prune()
				if err != nil {
					return err
				}
				for _, id := range pruned {
					fmt.Fprintf(cmd.OutOrStdout(), "pruned %s\n", id)
				}
				if len(pruned) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to prune")
				}
				return nil
			}

			state, err := orch.Status(planID)
			if err != nil {
				if notFound(err) {
					return fmt.Errorf("no execution found: %w", err)
				}
				return err
			}

			if outputFlag == "json" {
				return printJSON(cmd, state.Snapshot())
			}
			renderExecution(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "plan ID to show (defaults to the latest execution)")
	cmd.Flags().BoolVar(&prune, "prune", false, "remove stored state of finished executions")
	return cmd
}
