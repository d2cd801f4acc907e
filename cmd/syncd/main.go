// syncd is the todo-list synchronization daemon. It serves the sync API and
// the event stream; the watch subcommand follows a list from the terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/client"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/common/types"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/config"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/log"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/metrics"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/server"
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "shared todo list synchronization server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen, _ = cmd.Flags().GetString("listen")
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().String("log-level", config.Default().LogLevel, "log level: debug, info, warn, error")
	cmd.Flags().String("data-dir", config.Default().DataDir, "directory for the database and instance lock")
	cmd.Flags().String("metrics-listen", config.Default().MetricsListen, "metrics endpoint address, empty disables")
	cmd.Flags().String("listen", config.Default().Server.Listen, "sync API address")
	cmd.AddCommand(watchCmd())
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another instance", cfg.DataDir)
	}
	defer lock.Unlock()

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "db")
	}
	st, err := store.Open(
		store.WithLogger(logger.Named("store")),
		store.WithConfig(cfg.Store),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	srv, err := server.New(st,
		server.WithLogger(logger.Named("server")),
		server.WithConfig(cfg.Server),
	)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Start(ctx) })
	if cfg.MetricsListen != "" {
		m := metrics.NewServer(cfg.MetricsListen, logger.Named("metrics"))
		eg.Go(m.Start)
		eg.Go(func() error {
			<-ctx.Done()
			return m.Shutdown(context.Background())
		})
	}
	logger.Info("syncd started", zap.String("data_dir", cfg.DataDir))
	return eg.Wait()
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "follow a shared list from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			logger, err := newLogger(level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg := client.DefaultConfig()
			cfg.ServerURL, _ = cmd.Flags().GetString("server")
			cfg.List, _ = cmd.Flags().GetString("list")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := client.New(client.WithConfig(cfg), client.WithLogger(logger.Named("client")))
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error { return c.Run(ctx) })
			eg.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap := <-c.Updates():
						printSnapshot(cmd.OutOrStdout(), snap)
					}
				}
			})
			return eg.Wait()
		},
	}
	cmd.Flags().String("server", client.DefaultConfig().ServerURL, "sync server base URL")
	cmd.Flags().String("list", client.DefaultConfig().List, "list to follow")
	return cmd
}

func printSnapshot(w io.Writer, snap types.Snapshot) {
	fmt.Fprintf(w, "--- %d item(s)\n", len(snap.Active()))
	for _, item := range snap.Active() {
		mark := " "
		if item.Completed() {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s] %s\n", mark, item.Text)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = log.ParseLevel(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}
