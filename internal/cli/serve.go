package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rg-fling/rgfling/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "Listen port (overrides [api].port)")
	serveCmd.Flags().String("host", "", "Listen host (overrides [api].host)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wallet API server",
	Long: `Run the wallet API server until interrupted.
Storage, locking, rewards and auth come from $RGFLING_HOME/config.toml and
RGFLING_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.API.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.API.Host = host
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	defer d.Close()

	return d.Serve(ctx)
}
