// Package cli implements the rgfling command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rg-fling/rgfling/internal/client"
	"github.com/rg-fling/rgfling/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "rgfling",
	Short: "RG Fling coin wallet",
	Long: `rgfling runs the RG Fling wallet server and talks to it.

Balances are derived from an append-only ledger. Transfers, spends and
rewards are settled by the server; client commands only send requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "", "Wallet server URL (default from [api].server_url)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for account routes")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newClient builds an API client from --server/--token or the config file.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if server == "" {
		cfg, err := daemon.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		server = cfg.API.ServerURL
	}
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(server, opts...), nil
}
