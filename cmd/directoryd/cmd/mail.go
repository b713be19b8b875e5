package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/isometry/directoryd/internal/config"
)

var rcptCmd = &cobra.Command{
	Use:   "rcpt ADDRESS",
	Short: "Check whether an address is deliverable locally",
	Long:  `Prints true and exits 0 when ADDRESS belongs to a principal, false and exits 1 otherwise.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			ok, err := rt.Directory.IsLocalAddress(ctx, backendID, args[0])
			if err != nil {
				return err
			}
			return printBool(cmd, ok)
		})
	},
}

var vrfyCmd = &cobra.Command{
	Use:   "vrfy ADDRESS",
	Short: "Print every address of the principal owning ADDRESS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			addrs, err := rt.Directory.Vrfy(ctx, backendID, args[0])
			if err != nil {
				return err
			}
			return printLines(cmd, addrs)
		})
	},
}

var expnCmd = &cobra.Command{
	Use:   "expn ADDRESS",
	Short: "Print the member addresses of the list owning ADDRESS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			addrs, err := rt.Directory.Expn(ctx, backendID, args[0])
			if err != nil {
				return err
			}
			return printLines(cmd, addrs)
		})
	},
}

var domainCmd = &cobra.Command{
	Use:   "domain DOMAIN",
	Short: "Check whether a mail domain is hosted locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			ok, err := rt.Directory.IsLocalDomain(ctx, backendID, args[0])
			if err != nil {
				return err
			}
			return printBool(cmd, ok)
		})
	},
}
