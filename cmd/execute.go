package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"updatectl/internal/executor"
	"updatectl/internal/orchestrator"
)

func newExecuteCmd() *cobra.Command {
	var (
		planID  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "execute [paths...]",
		Short: "Execute an update plan batch by batch",
		Long: `Execute applies a plan batch by batch, waiting for every resource in
a batch to converge before the next batch starts. With --plan the stored
plan is executed; otherwise a fresh plan is built from the given paths.

Interrupting the run (Ctrl-C) or exceeding --timeout cancels the
execution: in-flight operations are abandoned and marked Cancelled, and
no new batch starts.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID == "" && len(args) == 0 {
				return fmt.Errorf("either manifest paths or --plan is required")
			}

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
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			state, err := orch.Execute(ctx, args, planID)
			if state != nil {
				renderExecution(cmd.OutOrStdout(), state)
			}
			if err != nil {
				if coded := graphError(err); coded != err {
					return coded
				}
				return withCode(exitExecutionFailed, err)
			}
			if state.Result != executor.ResultSucceeded {
				return withCode(exitExecutionFailed, fmt.Errorf("execution of plan %s finished with result %q", state.PlanID, state.Result))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "ID of a stored plan to execute")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall execution deadline (0 means no deadline)")
	cmd.Flags().Int("parallelism", 0, "maximum concurrent operations within a batch")
	cmd.Flags().Bool("parallel-batches", false, "let adjacent low-risk batches overlap")
	cmd.Flags().Bool("rollback-on-failure", false, "restore completed operations when the execution fails")
	return cmd
}
