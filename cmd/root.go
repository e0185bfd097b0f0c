package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"updatectl/internal/config"
	"updatectl/internal/graph"
	"updatectl/internal/statestore"
	"updatectl/pkg/logging"
)

// Exit codes of the updatectl boundary.
const (
	exitOK               = 0
	exitGeneralError     = 1
	exitValidationFailed = 2
	exitExecutionFailed  = 3
	exitConfigError      = 4
)

// codedError carries an explicit exit code through cobra's error return.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "updatectl",
	Short: "Dependency-aware update orchestration for declarative resources",
	Long: `updatectl plans and applies updates to a set of declaratively managed
resources in dependency order. It builds an update-dependency graph,
batches independent resources together, watches every submission until
the reconciler converges it, and rolls back what it changed when an
update gets stuck.`,
	// SilenceUsage is set to true to prevent printing usage message on
	// errors handled by us (e.g. validation findings, failed executions)
	SilenceUsage: true,
}

var (
	logLevelFlag  string
	outputFlag    string
	namespaceFlag string
	kubeContext   string
	stateDirFlag  string
)

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). Errors are mapped to the
// documented exit codes.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "updatectl version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	var configErr *config.ValidationError
	if errors.As(err, &configErr) {
		return exitConfigError
	}
	return exitGeneralError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().StringVarP(&namespaceFlag, "namespace", "n", "", "restrict planning to this namespace")
	rootCmd.PersistentFlags().StringVar(&kubeContext, "kube-context", "", "kubeconfig context for the reconciler client")
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "", "directory for persisted plans and execution state")

	cobra.OnInitialize(func() {
		logging.Init(logging.ParseLevel(logLevelFlag), outputFlag, os.Stderr)
	})

	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newExecuteCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// resolveConfig layers the config files and applies global flag overrides.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, withCode(exitConfigError, err)
	}

	if namespaceFlag != "" {
		cfg.Namespace = namespaceFlag
	}
	if kubeContext != "" {
		cfg.KubeContext = kubeContext
	}
	if stateDirFlag != "" {
		cfg.StateDir = stateDirFlag
	}

	if cmd.Flags().Changed("parallelism") {
		cfg.Parallelism, _ = cmd.Flags().GetInt("parallelism")
	}
	if cmd.Flags().Changed("parallel-batches") {
		cfg.ParallelBatches, _ = cmd.Flags().GetBool("parallel-batches")
	}
	if cmd.Flags().Changed("rollback-on-failure") {
		cfg.RollbackOnFailure, _ = cmd.Flags().GetBool("rollback-on-failure")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, withCode(exitConfigError, err)
	}
	return cfg, nil
}

// notFound reports whether err is a state-store miss, which commands turn
// into a friendlier message.
func notFound(err error) bool {
	return errors.Is(err, statestore.ErrNotFound)
}

// graphError maps structural problems in the resource set (cycles,
// unresolved dependencies) to the validation exit code.
func graphError(err error) error {
	var cycle *graph.CycleError
	var unresolved *graph.UnresolvedDependencyError
	if errors.As(err, &cycle) || errors.As(err, &unresolved) {
		return withCode(exitValidationFailed, err)
	}
	return err
}

func printJSON(cmd *cobra.Command, doc interface{}) error {
	out, err := marshalIndent(doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
