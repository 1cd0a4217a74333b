package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openfroyo/rollout/pkg/secrets"
	"github.com/openfroyo/rollout/pkg/vars"
)

func newEncryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt <class> [value]",
		Short: "Encrypt a value for an $encrypted variable",
		Long: `Encrypt a value with the master key of an environment class. The key
comes from ROLLOUT_KEY_<CLASS> or <secrets.key_dir>/<class>.key.

Without a value argument the value is read from stdin, without echo when
stdin is a terminal.`,
		Example: `  # Prompt for the value
  rollout encrypt prod

  # Encrypt from a pipe
  cat db-password.txt | rollout encrypt prod`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := vars.ParseClass(args[0])
			if err != nil {
				return err
			}
			s, err := loadSettings()
			if err != nil {
				return err
			}
			keyring, err := secrets.Load(s.Secrets.KeyDir, os.Getenv)
			if err != nil {
				return err
			}

			var value string
			if len(args) > 1 {
				value = args[1]
			} else if value, err = readSecret(cmd.ErrOrStderr()); err != nil {
				return err
			}

			sealed, err := keyring.Encrypt(class, value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}

	return cmd
}

func readSecret(prompt io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, "Value: ")
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
