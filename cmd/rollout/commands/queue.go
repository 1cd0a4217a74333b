package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/config"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/stores"
)

func newQueueCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List downstream builds waiting to run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer store.Close()

			queued, err := store.ListQueued(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), queued)
			}
			if len(queued) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("queue is empty"))
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tPROJECT\tENV\tPLAYBOOK\tPARENT\tENQUEUED")
			for _, q := range queued {
				parent := ""
				if q.ParentID != nil {
					parent = *q.ParentID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					q.ID, q.Project, q.Env, q.Playbook, parent, q.EnqueuedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of builds to list")

	cmd.AddCommand(newQueueRunCommand())
	return cmd
}

func newQueueRunCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run queued builds until the queue is empty",
		Long: `Claim queued builds one at a time, oldest first, and run them. Builds
queued while draining run too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if !jsonOutput {
				defer watchProgress(rt.telemetry.Events, cmd.ErrOrStderr())()
			}
			defer rt.Close(cmd.Context())

			failed, err := drainQueue(cmd.Context(), rt, newConfirmer(yes), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if failed > 0 {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm every host of sequential plays")

	return cmd
}

// drainQueue runs queued builds until none is left and returns how many
// failed. A failed build does not stop the drain.
func drainQueue(ctx context.Context, rt *runtime, confirmer engine.Confirmer, w io.Writer) (int, error) {
	failed := 0
	for {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		q, err := rt.store.ClaimNext(ctx)
		if errors.Is(err, stores.ErrNotFound) {
			return failed, nil
		}
		if err != nil {
			return failed, err
		}

		log.Info().
			Str("build", q.ID).
			Str("project", q.Project).
			Str("env", q.Env).
			Strs("params", config.ParamNames(q.Params)).
			Msg("Running queued build")

		b := rt.build(q.ID, q.Params, confirmer)
		result, runErr := rt.execute(ctx, q.Request(), b)
		if result == nil {
			log.Error().Err(runErr).Str("build", q.ID).Msg("Queued build could not start")
			failed++
			continue
		}
		if err := reportResult(w, result, runErr); err != nil {
			return failed, err
		}
		if runErr != nil {
			failed++
		}
	}
}
