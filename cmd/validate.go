package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"updatectl/internal/orchestrator"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Check a resource set for structural problems",
		Long: `Validate builds the dependency graph for the given manifests and
reports missing dependency targets, cycles and disallowed strategy
choices without producing a plan or contacting the cluster. The exit
code is 2 when any finding is reported.`,
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

			findings, err := orch.Validate(args)
			if err != nil {
				return err
			}

			if outputFlag == "json" {
				if err := printJSON(cmd, findings); err != nil {
					return err
				}
			} else if len(findings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("valid"))
			} else {
				renderFindings(cmd.OutOrStdout(), findings)
			}

			if len(findings) > 0 {
				return withCode(exitValidationFailed, fmt.Errorf("%d validation finding(s)", len(findings)))
			}
			return nil
		},
	}
	return cmd
}
