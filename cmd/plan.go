package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"updatectl/internal/orchestrator"
)

func newPlanCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "plan [paths...]",
		Short: "Build a batched, dependency-ordered update plan",
		Long: `Plan reads resource manifests from the given files, directories or
stdin ("-"), builds the update-dependency graph and emits the batched
plan. The plan is persisted to the state store for later execution
unless --dry-run is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}

			plan, err := orch.Plan(args, dryRun)
			if err != nil {
				return graphError(err)
			}

			if outputFlag == "json" {
				return printJSON(cmd, plan.Interchange())
			}
			renderPlan(cmd.OutOrStdout(), plan)
			if !dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Run `updatectl execute --plan %s` to apply.\n", plan.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "build and print the plan without persisting it")
	return cmd
}
