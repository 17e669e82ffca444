package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drksbr/portalgate/internal/config"
	"github.com/drksbr/portalgate/internal/gateway"
	"github.com/drksbr/portalgate/internal/runtime"
	"github.com/drksbr/portalgate/internal/version"
)

func Execute() error {
	opts := &runtime.Options{
		LogLevel: "info",
		EnvFile:  ".env",
	}
	cmd := newRootCommand(opts)
	return cmd.Execute()
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "portalgate",
		Short:        "Private-beta portal gateway with a WebSocket tunnel endpoint",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(opts.EnvFile); err != nil {
				return err
			}
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", opts.EnvFile, "dotenv file loaded before configuration is resolved (missing file is ignored)")

	cmd.AddCommand(gateway.NewCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
