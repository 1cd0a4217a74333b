package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/inventory"
)

func newHostsCommand() *cobra.Command {
	var groups bool

	cmd := &cobra.Command{
		Use:   "hosts <env> [selector]",
		Short: "List the hosts of an environment",
		Long: `List the hosts of an environment picked by a selector.

Selector syntax: "|" separates alternatives and "," joins terms that must
all hold. Terms are all, group:<name>, host:<name> and label=value.`,
		Example: `  # Every host of prod
  rollout hosts prod

  # Web hosts in zone a, or the db primary
  rollout hosts prod 'group:web,zone=a|host:db-1'

  # Host groups with their members
  rollout hosts prod --groups`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			_, catalog, err := loadCatalog(cmd.Context(), s)
			if err != nil {
				return err
			}
			env, err := catalog.Registry().Get(args[0])
			if err != nil {
				return err
			}

			if groups {
				return printGroups(cmd, env)
			}

			expr := ""
			if len(args) > 1 {
				expr = args[1]
			}
			sel, err := inventory.ParseSelector(expr)
			if err != nil {
				return err
			}
			picked, err := sel.Select(env)
			if err != nil {
				return err
			}

			if jsonOutput {
				type hostJSON struct {
					Name    string            `json:"name"`
					Address string            `json:"address"`
					User    string            `json:"user,omitempty"`
					Channel string            `json:"channel"`
					Retired bool              `json:"retired,omitempty"`
					Labels  map[string]string `json:"labels,omitempty"`
				}
				out := make([]hostJSON, 0, len(picked))
				for _, p := range picked {
					out = append(out, hostJSON{
						Name:    p.Host.Name,
						Address: p.Host.Address(),
						User:    p.Host.User,
						Channel: p.Host.Channel,
						Retired: p.Retired,
						Labels:  p.Host.Labels,
					})
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "HOST\tADDRESS\tCHANNEL\tLABELS\tSTATE")
			for _, p := range picked {
				state := styleSuccess.Render("active")
				if p.Retired {
					state = styleWarning.Render("retired")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					p.Host.Name, p.Host.Address(), p.Host.Channel, formatLabels(p.Host.Labels), state)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&groups, "groups", false, "list host groups instead of hosts")

	return cmd
}

func printGroups(cmd *cobra.Command, env *inventory.Environment) error {
	type groupJSON struct {
		Name    string   `json:"name"`
		Active  []string `json:"active"`
		Retired []string `json:"retired,omitempty"`
	}
	var out []groupJSON
	for _, g := range env.Groups() {
		entry := groupJSON{Name: g.Name(), Active: []string{}}
		for _, gh := range g.Exclusive() {
			if gh.Retired {
				entry.Retired = append(entry.Retired, gh.Host.Name)
			} else {
				entry.Active = append(entry.Active, gh.Host.Name)
			}
		}
		out = append(out, entry)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "GROUP\tACTIVE\tRETIRED")
	for _, g := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", g.Name, strings.Join(g.Active, ","), styleDim.Render(strings.Join(g.Retired, ",")))
	}
	return tw.Flush()
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
