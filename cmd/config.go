package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"updatectl/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and bootstrap updatectl configuration",
	}
	cmd.AddCommand(newConfigViewCmd())
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the effective configuration after layering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if outputFlag == "json" {
				return printJSON(cmd, cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("cannot render configuration: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter user configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.UserConfigPath()
			if err != nil {
				return withCode(exitConfigError, err)
			}
			if force {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return withCode(exitConfigError, err)
				}
			}
			if err := config.WriteStarterConfig(path); err != nil {
				return withCode(exitConfigError, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	return cmd
}
