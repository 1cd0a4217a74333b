package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/vars"
)

func newEnvsCommand() *cobra.Command {
	var (
		dot     bool
		classes []string
		labels  map[string]string
		under   []string
	)

	cmd := &cobra.Command{
		Use:   "envs",
		Short: "List environments",
		Long: `List the environments of the model with their class and parents.

Filters select concrete environments only. Without filters abstract
environments are listed too.`,
		Example: `  # List every environment
  rollout envs

  # Production environments below the eu base
  rollout envs --class prod --under eu

  # Render the inheritance graph
  rollout envs --dot | dot -Tsvg > envs.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			_, catalog, err := loadCatalog(cmd.Context(), s)
			if err != nil {
				return err
			}
			reg := catalog.Registry()

			if dot {
				fmt.Fprint(cmd.OutOrStdout(), reg.Graph().ToDOT("environments"))
				return nil
			}

			var queries []inventory.Query
			if len(classes) > 0 {
				parsed := make([]vars.Class, len(classes))
				for i, c := range classes {
					if parsed[i], err = vars.ParseClass(c); err != nil {
						return err
					}
				}
				queries = append(queries, inventory.MatchClass(parsed...))
			}
			keys := make([]string, 0, len(labels))
			for k := range labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				queries = append(queries, inventory.MatchLabel(k, labels[k]))
			}
			if len(under) > 0 {
				queries = append(queries, inventory.MatchDescendantOf(under...))
			}

			var envs []*inventory.Environment
			if len(queries) > 0 {
				envs, err = reg.Select(inventory.All(queries...))
			} else {
				envs, err = reg.All()
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				type envJSON struct {
					Name        string            `json:"name"`
					Class       vars.Class        `json:"class"`
					Abstract    bool              `json:"abstract,omitempty"`
					Parents     []string          `json:"parents,omitempty"`
					Labels      map[string]string `json:"labels,omitempty"`
					Hosts       int               `json:"hosts"`
					Description string            `json:"description,omitempty"`
				}
				out := make([]envJSON, 0, len(envs))
				for _, env := range envs {
					out = append(out, envJSON{
						Name:        env.Name(),
						Class:       env.Class(),
						Abstract:    env.Abstracted(),
						Parents:     env.Info().Parents,
						Labels:      env.Labels(),
						Hosts:       len(env.Hosts()),
						Description: env.Description(),
					})
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "NAME\tCLASS\tPARENTS\tHOSTS\tDESCRIPTION")
			for _, env := range envs {
				name := env.Name()
				if env.Abstracted() {
					name = styleDim.Render(name + " (abstract)")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					name, env.Class(), strings.Join(env.Info().Parents, ","), len(env.Hosts()), env.Description())
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the inheritance graph in Graphviz format")
	cmd.Flags().StringSliceVar(&classes, "class", nil, "only environments of these classes (prod, test, local)")
	cmd.Flags().StringToStringVarP(&labels, "label", "l", nil, "only environments carrying these labels")
	cmd.Flags().StringSliceVar(&under, "under", nil, "only environments inheriting from these")

	return cmd
}
