package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikills/shoplog/docstore"

	"github.com/spf13/cobra"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	ConfigPath string
	LogFormat  string

	// Getenv is consulted for SHOPLOG_* overrides; nil means os.Getenv.
	Getenv func(string) string

	config Config
	logger *slog.Logger
}

// NewRootCommand creates the shoplog command tree.
func NewRootCommand(getenv func(string) string) *cobra.Command {
	opts := &RootOptions{Getenv: getenv}

	cmd := &cobra.Command{
		Use:           "shoplog",
		Short:         "Shop checklist logbook over a versioned document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.ConfigPath, opts.Getenv)
			if err != nil {
				return err
			}
			if opts.LogFormat != "" {
				cfg.LogFormat = opts.LogFormat
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			opts.config = cfg
			opts.logger = newLogger(cmd.ErrOrStderr(), cfg.LogFormat)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json), overrides the config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newContentsServerCommand(opts))
	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newCatCommand(opts))

	return cmd
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the logbook HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			logger := opts.logger

			metrics := docstore.NewInMemAppMetrics()
			store, closeStore, err := OpenStore(cmd.Context(), cfg, metrics, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeStore(); err != nil {
					logger.Error("close store", "error", err)
				}
			}()

			app := NewApp(store, AppConfig{
				Address:           cfg.HTTPAddr,
				ReadHeaderTimeout: 5 * time.Second,
				ShutdownTimeout:   10 * time.Second,
				Logger:            logger,
				Metrics:           metrics,
			})
			return runApp(cmd.Context(), app, logger, "shoplog listening")
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http_addr")
	return cmd
}

func newContentsServerCommand(opts *RootOptions) *cobra.Command {
	var (
		addr   string
		branch string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "contents-server",
		Short: "Expose the configured backend through the contents API",
		Long: "Serves the contents API over the configured backend so another shoplog " +
			"instance can use it with backend = \"contents\".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config
			if cfg.Backend == BackendContents {
				return fmt.Errorf("contents-server cannot serve the contents backend itself")
			}
			logger := opts.logger

			blobs, closeBlobs, err := OpenBlobStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeBlobs(); err != nil {
					logger.Error("close backend", "error", err)
				}
			}()
			if token == "" {
				logger.Warn("contents server running without a token")
			}

			metrics := docstore.NewInMemAppMetrics()
			app := NewApp(nil, AppConfig{
				Address:  addr,
				Logger:   logger,
				Metrics:  metrics,
				Contents: docstore.NewContentsServer(blobs, branch, token, logger),
			})
			return runApp(cmd.Context(), app, logger, "contents server listening")
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringVar(&branch, "branch", "main", "branch name clients must request")
	cmd.Flags().StringVar(&token, "token", "", "bearer token clients must present")
	return cmd
}

func newKeysCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys PREFIX",
		Short: "List the document keys under a prefix, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store *docstore.Store) error {
				keys, err := store.ListKeys(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newCatCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print a stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store *docstore.Store) error {
				content, err := store.ReadDocument(cmd.Context(), store.Paths.Resolve(args[0]))
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(content)
				return err
			})
		},
	}
}

func withStore(ctx context.Context, opts *RootOptions, fn func(*docstore.Store) error) error {
	store, closeStore, err := OpenStore(ctx, opts.config, nil, opts.logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	return fn(store)
}

// runApp starts app and blocks until it exits or ctx is cancelled by
// SIGINT/SIGTERM, then shuts it down.
func runApp(ctx context.Context, app *App, logger *slog.Logger, msg string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	logger.Info(msg, "address", app.Address())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		return fmt.Errorf("app exited: %w", err)
	}
	return nil
}
