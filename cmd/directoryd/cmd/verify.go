package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isometry/directoryd/internal/config"
	"github.com/isometry/directoryd/internal/secret"
)

var verifyCmd = &cobra.Command{
	Use:   "verify NAME",
	Short: "Verify a password read from standard input",
	Long: `Reads a password from the first line of standard input and checks it
against NAME. Prints true and exits 0 on success; any failure, including an
unknown principal, prints false and exits 1.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			return printBool(cmd, rt.Directory.VerifyCredentials(ctx, backendID, args[0], password))
		})
	},
}

var hashScheme string

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a password read from standard input",
	Long: `Prints a scheme-tagged hash of the password on standard input, suitable
for a static backend or the credential column of a SQL backend. Cost
parameters come from the configuration file when one is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := secret.DefaultParams()
		scheme := hashScheme
		if configPath != "" {
			_, cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			params = cfg.Credentials.Params
			if scheme == "" {
				scheme = cfg.Credentials.DefaultScheme
			}
		}
		if scheme == "" {
			scheme = secret.SchemeArgon2id.String()
		}

		s, ok := secret.ParseScheme(scheme)
		if !ok {
			return fmt.Errorf("unknown scheme %q", scheme)
		}

		password, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		hash, err := secret.Hash(s, password, params)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashCmd.Flags().StringVarP(&hashScheme, "scheme", "s", "", "Hash scheme (default: credentials.default_scheme)")
}

// readSecret returns the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
