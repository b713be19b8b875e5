package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isometry/directoryd/internal/config"
	"github.com/isometry/directoryd/internal/logging"
)

var (
	configPath string
	logLevel   string
	backendID  string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "directoryd",
	Short: "Mail directory lookups over SQL, LDAP and static backends",
	Long: `directoryd answers the directory questions a mail system asks: who owns an
address, who is on a list, and whether a password is right. Lookups run
against the SQL, LDAP and static backends named in the configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvConfigPath),
		"Configuration file (env: "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVarP(&backendID, "backend", "b", "", "Backend id (default: the configured default backend)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")

	rootCmd.AddCommand(lookupCmd, expandCmd, verifyCmd, hashCmd)
	rootCmd.AddCommand(rcptCmd, vrfyCmd, expnCmd, domainCmd)
	rootCmd.AddCommand(dbCmd, statsCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if !errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// exitError ends the process with a status and no message.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func exitCode(err error) int {
	var exit exitError
	if errors.As(err, &exit) {
		return int(exit)
	}
	return 1
}

// loadConfig reads the configuration file and returns a logging context at
// the configured level.
func loadConfig(ctx context.Context) (context.Context, *config.Config, error) {
	if configPath == "" {
		return ctx, nil, fmt.Errorf("no configuration file: use --config or %s", config.EnvConfigPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return logging.NewRootContext(ctx, level), cfg, nil
}

// withRuntime builds the configured directory, runs fn and closes it.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *config.Runtime) error) error {
	ctx, cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	rt, err := config.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build directory: %w", err)
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLines(cmd *cobra.Command, lines []string) error {
	if outputJSON {
		if lines == nil {
			lines = []string{}
		}
		return printJSON(cmd, lines)
	}
	for _, l := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
	return nil
}

// printBool prints ok and turns false into exit status 1.
func printBool(cmd *cobra.Command, ok bool) error {
	if outputJSON {
		if err := printJSON(cmd, ok); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), ok)
	}
	if !ok {
		return exitError(1)
	}
	return nil
}
