// Package main provides the session-filestore command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/txn2/session-filestore/internal/server"
	"github.com/txn2/session-filestore/pkg/config"
	"github.com/txn2/session-filestore/pkg/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop already called
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "session-filestore",
		Short:         "File-backed session store server and tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.envFile == "" {
				return nil
			}
			if err := godotenv.Load(opts.envFile); err != nil {
				return fmt.Errorf("loading env file: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file before reading the config")

	cmd.AddCommand(
		newServeCmd(opts),
		newPathCmd(opts),
		newShowCmd(opts),
		newDeleteCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg.Logging, cmd.ErrOrStderr()))

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			store, closer, err := server.NewStore(cmd.Context(), cfg, reg)
			if err != nil {
				return fmt.Errorf("creating session store: %w", err)
			}
			defer func() {
				if err := closer.Close(); err != nil {
					slog.Warn("closing session store", "error", err)
				}
			}()

			return server.New(cfg, store, reg).Run(cmd.Context())
		},
	}
}

func newPathCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path [session-id]",
		Short: "Print the file a session is stored in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.BackendFile {
				return fmt.Errorf("path requires the file backend, configured backend is %s", cfg.Store.Backend)
			}
			fs, err := server.NewFileStore(cfg.Store.File)
			if err != nil {
				return err //nolint:wrapcheck // already wrapped
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), fs.Path(session.ID(args[0])))
			return nil
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [session-id]",
		Short: "Print a stored session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store session.Store) error {
				rec, err := store.Load(cmd.Context(), session.ID(args[0]))
				if err != nil {
					return fmt.Errorf("loading session: %w", err)
				}
				out, err := json.MarshalIndent(rec, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding session: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store session.Store) error {
				if err := store.Delete(cmd.Context(), session.ID(args[0])); err != nil {
					return fmt.Errorf("deleting session: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("session-filestore version %s\n", server.Version)
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.configPath == "" {
		return nil, errors.New("--config is required")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	return cfg, nil
}

// withStore opens the configured store without instrumentation and runs fn.
func withStore(ctx context.Context, opts *rootOptions, fn func(session.Store) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	store, closer, err := server.NewStore(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	defer func() { _ = closer.Close() }()
	return fn(store)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
