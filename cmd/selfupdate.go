package cmd

import (
	"context"
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"updatectl/pkg/logging"
)

// githubRepoSlug is the repository releases are fetched from.
const githubRepoSlug = "updatectl/updatectl"

func newSelfUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-update",
		Short: "Update updatectl to the latest release",
		Long: `Checks for the latest release on GitHub and, when a newer version is
available, downloads it and replaces the running binary in place.`,
		Args: cobra.NoArgs,
		RunE: runSelfUpdate,
	}
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	version := rootCmd.Version
	if version == "" || version == "dev" {
		return fmt.Errorf("cannot self-update a development version; install a released build first")
	}

	logging.Info("SelfUpdate", "Checking %s for releases newer than %s", githubRepoSlug, version)

	ctx := context.Background()
	if cmd != nil {
		ctx = cmd.Context()
	}

	release, err := selfupdate.UpdateSelf(ctx, version, selfupdate.ParseSlug(githubRepoSlug))
	if err != nil {
		return fmt.Errorf("self-update failed: %w", err)
	}

	out := rootCmd.OutOrStdout()
	if cmd != nil {
		out = cmd.OutOrStdout()
	}
	if release.Version() == version {
		fmt.Fprintf(out, "Already up to date (%s)\n", version)
		return nil
	}
	fmt.Fprintf(out, "Updated to %s\n", release.Version())
	return nil
}
