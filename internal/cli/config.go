package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/rg-fling/rgfling/internal/api"
	"github.com/rg-fling/rgfling/internal/daemon"
)

func init() {
	rootCmd.AddCommand(configCmd, tokenCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create configuration",
}

// ─── config show ────────────────────────────────────────────────────────────

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets redacted)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.Load()
		if err != nil {
			return err
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(redact(cfg))
	},
}

func redact(cfg daemon.Config) daemon.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&cfg.Auth.JWTSecret)
	mask(&cfg.Auth.AdminToken)
	mask(&cfg.Payments.WebhookSecret)
	mask(&cfg.Lock.RedisPassword)
	mask(&cfg.Storage.DSN)
	return cfg
}

// ─── config init ────────────────────────────────────────────────────────────

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := daemon.ConfigPath()
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := daemon.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), daemon.ConfigPath())
	},
}

// ─── token ──────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token ACCOUNT_ID",
	Short: "Issue a bearer token for an account",
	Long:  `Sign a token with [auth].jwt_secret. Only useful when auth is enabled.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := api.NewAuth(cfg.Auth.JWTSecret, "").Issue(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
