package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/config"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		project string
		env     string
		status  string
		limit   int
		events  bool
		level   string
	)

	cmd := &cobra.Command{
		Use:   "history [build-id]",
		Short: "Show past builds",
		Long: `List recorded builds, newest first, or show one build with its play and
host results.`,
		Example: `  # Recent failed builds of shop
  rollout history --project shop --status failed

  # One build with its timeline
  rollout history 3f1c... --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, s)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()

			if len(args) == 0 {
				filter := stores.BuildFilter{Project: project, Env: env}
				if status != "" {
					filter.Status = engine.RunStatus(status)
					if err := filter.Status.Validate(); err != nil {
						return err
					}
				}
				builds, err := store.ListBuilds(ctx, filter, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(w, builds)
				}
				return printBuilds(w, builds)
			}

			build, err := store.GetBuild(ctx, args[0])
			if err != nil {
				return err
			}
			plays, err := store.ListPlayResults(ctx, build.ID)
			if err != nil {
				return err
			}
			var timeline []*stores.Event
			if events {
				var lvl *string
				if level != "" {
					lvl = &level
				}
				if timeline, err = store.GetEvents(ctx, build.ID, lvl, 1000, 0); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(w, struct {
					*stores.Build
					Plays  []engine.PlayResult `json:"plays"`
					Events []*stores.Event     `json:"events,omitempty"`
				}{build, plays, timeline})
			}

			fmt.Fprintf(w, "%s %s@%s:%s %s\n", styleBold.Render("build"),
				build.Project, build.Env, build.Playbook, runStatus(build.Status))
			fmt.Fprintln(w, styleDim.Render("  id      "+build.ID))
			if build.ParentID != nil {
				fmt.Fprintln(w, styleDim.Render("  parent  "+*build.ParentID))
			}
			fmt.Fprintln(w, styleDim.Render("  started "+build.StartedAt.Local().Format(time.DateTime)))
			for _, name := range config.ParamNames(build.Params) {
				fmt.Fprintf(w, "  %s = %v\n", name, build.Params[name])
			}
			printPlays(w, plays)
			if build.Error != nil {
				fmt.Fprintf(w, "%s %s\n", styleError.Render("✗"), *build.Error)
			}
			if events {
				printEvents(w, timeline)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "only builds of this project")
	cmd.Flags().StringVar(&env, "env", "", "only builds in this environment")
	cmd.Flags().StringVar(&status, "status", "", "only builds with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of builds to list")
	cmd.Flags().BoolVar(&events, "events", false, "show the build timeline")
	cmd.Flags().StringVar(&level, "level", "", "only timeline events of this level (info, warning, error)")

	return cmd
}

func printBuilds(w io.Writer, builds []*stores.Build) error {
	if len(builds) == 0 {
		fmt.Fprintln(w, styleDim.Render("no builds recorded"))
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tPROJECT\tENV\tPLAYBOOK\tSTATUS\tSTARTED\tDURATION")
	for _, b := range builds {
		duration := "-"
		if b.FinishedAt != nil {
			duration = b.FinishedAt.Sub(b.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Project, b.Env, b.Playbook, runStatus(b.Status),
			b.StartedAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []*stores.Event) {
	tw := newTable(w)
	for _, e := range events {
		where := ""
		if e.Play != nil {
			where = *e.Play
		}
		if e.Host != nil {
			where += "/" + *e.Host
		}
		if e.Task != nil {
			where += "/" + *e.Task
		}
		msg := e.Message
		switch e.Level {
		case "error":
			msg = styleError.Render(msg)
		case "warning":
			msg = styleWarning.Render(msg)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
			styleDim.Render(e.Timestamp.Local().Format("15:04:05.000")), e.Type, where, msg)
	}
	tw.Flush()
}
