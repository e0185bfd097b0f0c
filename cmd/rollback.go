package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"updatectl/internal/orchestrator"
)

func newRollbackCmd() *cobra.Command {
	var planID string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the pre-update state of an executed plan",
		Long: `Rollback restores every resource the execution successfully updated to
its captured pre-update manifest, in reverse batch order so dependents
are undone before their dependencies. Resources that did not exist
before the update are deleted.`,
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			state, err := orch.Rollback(ctx, planID)
			if state != nil {
				renderExecution(cmd.OutOrStdout(), state)
			}
			if err != nil {
				if notFound(err) {
					return fmt.Errorf("no execution found: %w", err)
				}
				return withCode(exitExecutionFailed, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "plan ID to roll back (defaults to the latest execution)")
	return cmd
}
