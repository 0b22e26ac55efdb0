// Package main is the entrypoint of the product delegation server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/kiranshivaraju/pds/internal/config"
	pdslog "github.com/kiranshivaraju/pds/internal/log"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	flagEnvFile string
)

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("pds failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "pds",
		Short:             "Product delegation server: runs security products as jobs",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initServer,
	}
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "optional .env file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
	return rootCmd
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API, the job scheduler and the cancel sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := pdslog.ContextAttrs(cmd.Context(), slog.Group("pds",
			slog.String("cmd", "serve"),
			slog.String("server_id", cfg.Server.ServerID),
		))
		return serve(ctx, cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.InfoContext(cmd.Context(), "database migrations applied")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	// Version needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "pds: version info not available")
			return
		}
		fmt.Fprintf(out, "pds: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:  %s\n", info.GoVersion)
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Fprintf(out, "commit: %s\n", s.Value)
			}
		}
	},
}

// initServer loads configuration and installs the default logger.
func initServer(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(flagEnvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = c

	slog.SetDefault(pdslog.New(os.Stderr, cfg.Log.Level, cfg.Log.Format))
	slog.Info("config loaded", "env", cfg.Server.Env, "server_id", cfg.Server.ServerID, "cmd", cmd.Name())
	return nil
}
