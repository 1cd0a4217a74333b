package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate the CUE model",
		Long: `Validate the model files and the environments, projects and playbooks
they declare.

This command checks:
  - CUE syntax and schema conformance
  - Variable names and directives
  - Starlark conditions and task bodies
  - Inheritance cycles and unknown references`,
		Example: `  # Validate the model paths from rollout.toml
  rollout validate

  # Validate a specific directory
  rollout validate ./model`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				s.Model.Paths = args
			}

			log.Debug().Strs("paths", s.Model.Paths).Msg("Validating model")

			m, catalog, err := loadCatalog(cmd.Context(), s)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs {
						fmt.Fprintln(cmd.ErrOrStderr(), e.Error())
					}
					return &ExitError{Code: 1}
				}
				return err
			}

			summary := struct {
				Files        int `json:"files"`
				Environments int `json:"environments"`
				Projects     int `json:"projects"`
				Playbooks    int `json:"playbooks"`
			}{
				Files:        len(m.SourceFiles),
				Environments: len(catalog.Registry().Names()),
				Projects:     len(catalog.Projects()),
				Playbooks:    len(catalog.PlaybookNames()),
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d files: %d environments, %d projects, %d playbooks\n",
				summary.Files, summary.Environments, summary.Projects, summary.Playbooks)
			return nil
		},
	}

	return cmd
}
