package cmd

import (
	"github.com/spf13/cobra"

	"updatectl/internal/orchestrator"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [paths...]",
		Short: "Show the dependency graph, depths and risk classification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}

			analysis, err := orch.Analyze(args)
			if err != nil {
				return graphError(err)
			}

			if outputFlag == "json" {
				return printJSON(cmd, analysis)
			}
			renderAnalysis(cmd.OutOrStdout(), analysis)
			return nil
		},
	}
	return cmd
}
