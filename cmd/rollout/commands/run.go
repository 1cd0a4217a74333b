package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/config"
	"github.com/openfroyo/rollout/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		playbook    string
		scene       string
		paramsFiles []string
		paramFlags  []string
		servers     []string
		retire      []string
		skipTags    []string
		yes         bool
		drain       bool
	)

	cmd := &cobra.Command{
		Use:   "run <project> <env>",
		Short: "Run a build",
		Long: `Deploy a project to an environment by running its playbook.

Parameters come from --params-file (YAML, later files win) and then from
--param flags. Sequential plays ask for confirmation on every host unless
--yes is given. Builds queued by the playbook run afterwards with --queued.`,
		Example: `  # Deploy shop to prod with the project's playbook
  rollout run shop prod

  # Pick a playbook and scene, override a parameter
  rollout run shop prod -p deploy --scene restart -P release.version=1.4.2

  # Limit to two hosts and retire a third
  rollout run shop prod --server web-1 --server web-2 --retire web-3

  # Unattended, then run every downstream build
  rollout run shop staging --yes --queued`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var layers []map[string]any
			for _, f := range paramsFiles {
				p, err := config.LoadParamsFile(f)
				if err != nil {
					return err
				}
				layers = append(layers, p)
			}
			flagParams, err := config.ParseParamFlags(paramFlags)
			if err != nil {
				return err
			}
			params := config.MergeParams(append(layers, flagParams)...)

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			if !jsonOutput {
				defer watchProgress(rt.telemetry.Events, cmd.ErrOrStderr())()
			}
			defer rt.Close(ctx)

			confirmer := newConfirmer(yes)
			b := rt.build("", params, confirmer)
			b.Servers = servers
			b.Retire = retire
			b.SkipTags = skipTags
			b.Scene = scene

			log.Info().
				Str("project", args[0]).
				Str("env", args[1]).
				Strs("params", config.ParamNames(params)).
				Msg("Starting build")

			req := engine.ScheduleRequest{Project: args[0], Env: args[1], Playbook: playbook}
			result, runErr := rt.execute(ctx, req, b)
			if result == nil {
				return runErr
			}
			if err := reportResult(cmd.OutOrStdout(), result, runErr); err != nil {
				return err
			}

			failed := runErr != nil
			if drain && !failed {
				n, err := drainQueue(ctx, rt, confirmer, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				failed = n > 0
			}
			if failed {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&playbook, "playbook", "p", "", "playbook to run (default: the project's)")
	cmd.Flags().StringVar(&scene, "scene", "", "run only the plays of this scene")
	cmd.Flags().StringSliceVarP(&paramsFiles, "params-file", "f", nil, "YAML parameter file")
	cmd.Flags().StringArrayVarP(&paramFlags, "param", "P", nil, "parameter as name=value")
	cmd.Flags().StringSliceVar(&servers, "server", nil, "restrict active hosts to these")
	cmd.Flags().StringSliceVar(&retire, "retire", nil, "treat these hosts as retired")
	cmd.Flags().StringSliceVar(&skipTags, "skip-tag", nil, "skip tasks carrying these tags")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm every host of sequential plays")
	cmd.Flags().BoolVar(&drain, "queued", false, "run queued downstream builds afterwards")

	return cmd
}

// reportResult prints result. Text output includes the build error.
func reportResult(w io.Writer, result *engine.BuildResult, runErr error) error {
	if jsonOutput {
		return printJSON(w, result)
	}

	fmt.Fprintf(w, "%s %s@%s:%s %s in %s\n",
		styleBold.Render("build"), result.Project, result.Env, result.Playbook,
		runStatus(result.Status), result.Duration().Round(time.Millisecond))
	fmt.Fprintln(w, styleDim.Render("  id "+result.ID))

	printPlays(w, result.Plays)

	if runErr != nil {
		fmt.Fprintf(w, "%s %v\n", styleError.Render("✗"), runErr)
	}
	return nil
}

func printPlays(w io.Writer, plays []engine.PlayResult) {
	tw := newTable(w)
	for _, p := range plays {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Name, unitStatus(p.Status), styleError.Render(p.Error))
		for _, h := range p.Hosts {
			name := h.Host
			if h.Retired {
				name += styleDim.Render(" (retired)")
			}
			attempts := ""
			if h.Attempts > 1 {
				attempts = styleDim.Render(fmt.Sprintf(" after %d attempts", h.Attempts))
			}
			fmt.Fprintf(tw, "    %s\t%s%s\t%s\n", name, unitStatus(h.Status), attempts, styleError.Render(h.Error))
		}
	}
	tw.Flush()
}
