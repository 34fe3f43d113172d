package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phishguard/phishguard/internal/server"
)

func newServerCmd() *cobra.Command {
	var (
		configPath string
		noReload   bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the phishguard server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, path, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}

			var opts []server.Option
			if path != "" && !noReload {
				opts = append(opts, server.WithConfigPath(path))
			}
			s, err := server.New(cfg, opts...)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "phishguard server listening on %s\n", s.Addr())
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to server config YAML (default: ./config.yml, ./config.yaml, or /etc/phishguard/config.yaml)")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "Do not watch the config file for changes")
	return cmd
}
