package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/deskbridge/internal/auth"
	"github.com/memohai/deskbridge/internal/config"
	"github.com/memohai/deskbridge/internal/db"
	"github.com/memohai/deskbridge/internal/secrets"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "deskbridge",
		Short:        "Bridge chat platforms to helpdesk ticketing backends",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newKeygenCmd(),
		newTokenCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			return db.MigrateUp(provideLogger(cfg), cfg.Postgres)
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			return db.MigrateDown(provideLogger(cfg), cfg.Postgres, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back (0 rolls back all)")
	cmd.AddCommand(up, down)
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new master key for tenant credential encryption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version < 1 || version > 255 {
				return fmt.Errorf("version must be between 1 and 255")
			}
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d:%s\n", version, key)
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "key version prefix")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject   string
		scopes    []string
		expiresIn string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("jwt secret is required; set %s", config.EnvJWTSecret)
			}
			if expiresIn == "" {
				expiresIn = cfg.Auth.JWTExpiresIn
			}
			var ttl time.Duration
			if expiresIn != "0" {
				ttl, err = time.ParseDuration(expiresIn)
				if err != nil {
					return fmt.Errorf("invalid --expires: %w", err)
				}
			}
			token, expiresAt, err := auth.GenerateToken(subject, scopes, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			if !expiresAt.IsZero() {
				fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the calling chat adapter")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeMessages}, "granted scopes (messages, admin)")
	cmd.Flags().StringVar(&expiresIn, "expires", "", "lifetime such as 720h; 0 never expires")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
