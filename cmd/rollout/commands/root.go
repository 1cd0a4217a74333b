package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	modelPaths   []string
	jsonOutput   bool

	binaryVersion = "dev"
)

// ExitError ends the process with Code without logging. Commands return it
// when the outcome was already reported, e.g. a failed build.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	binaryVersion = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rollout",
		Short: "rollout - multi-environment deployment orchestrator",
		Long: `rollout deploys projects to environments by running playbooks of plays
and tasks against the hosts of an environment.

Environments, projects and playbooks are declared in CUE. Conditions and
task bodies are Starlark. Build history and the downstream build queue are
kept in SQLite.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "", "settings file (default ./rollout.toml when present)")
	rootCmd.PersistentFlags().StringSliceVarP(&modelPaths, "model", "m", nil, "CUE model files or directories, overriding model.paths")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEnvsCommand())
	rootCmd.AddCommand(newHostsCommand())
	rootCmd.AddCommand(newParamsCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newEncryptCommand())

	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
