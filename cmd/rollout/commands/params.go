package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rollout/pkg/engine"
)

func newParamsCommand() *cobra.Command {
	var (
		playbook string
		template bool
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "params <project> <env>",
		Short: "List the user parameters of a build",
		Long: `List the parameters a build of project in env accepts, with their
defaults and allowed values. Hidden parameters are listed with --all.`,
		Example: `  # Parameters of the shop deploy in prod
  rollout params shop prod

  # Write a parameter file to edit and pass to run --params-file
  rollout params shop prod --template > params.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			_, catalog, err := loadCatalog(cmd.Context(), s)
			if err != nil {
				return err
			}
			job, err := engine.NewJob(catalog, args[0], args[1], playbook)
			if err != nil {
				return err
			}
			params, err := job.Parameters()
			if err != nil {
				return err
			}

			visible := params[:0:0]
			for _, p := range params {
				if all || !p.Hidden {
					visible = append(visible, p)
				}
			}

			switch {
			case template:
				values := make(map[string]any, len(visible))
				for _, p := range visible {
					values[p.Name] = p.Default
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(values); err != nil {
					return err
				}
				return enc.Close()
			case jsonOutput:
				return printJSON(cmd.OutOrStdout(), visible)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "NAME\tTYPE\tDEFAULT\tCHOICES\tDESCRIPTION")
			for _, p := range visible {
				name := p.Name
				if p.Required {
					name = styleBold.Render(name + "*")
				}
				choices := make([]string, len(p.Choices))
				for i, c := range p.Choices {
					choices[i] = fmt.Sprint(c)
				}
				def := ""
				if p.Default != nil {
					def = fmt.Sprint(p.Default)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, p.Type, def, strings.Join(choices, "|"), p.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&playbook, "playbook", "p", "", "playbook to inspect (default: the project's)")
	cmd.Flags().BoolVar(&template, "template", false, "print a YAML parameter file with the defaults")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include hidden parameters")

	return cmd
}
