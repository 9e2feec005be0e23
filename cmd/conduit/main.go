package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ssd-technologies/conduit/internal/config"
	"github.com/ssd-technologies/conduit/internal/logging"
	"github.com/ssd-technologies/conduit/internal/server"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "conduit relays files between peers without storing them",
	Long: `conduit is a relay broker: owners announce files, downloaders request them,
and the broker streams the owner's upload straight into the waiting download.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the relay broker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		logger, err := logging.New(logging.Options{Format: cfg.Log.Format, Level: cfg.Log.Level, Out: os.Stderr})
		if err != nil {
			return err
		}
		return serve(cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONDUIT_CONFIG"), "YAML config file (env CONDUIT_CONFIG)")
	for _, key := range config.Keys() {
		serveCmd.Flags().String(strings.ReplaceAll(key, "_", "-"), "", "override "+key)
	}
	rootCmd.AddCommand(serveCmd)
}

// loadConfig layers flags that were set explicitly over the file and
// environment.
func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := cfg.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	if err := errors.Join(errs...); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{Config: cfg, Logger: logger})
	defer srv.Close()
	srv.StartWorkers(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("conduit listening", "addr", cfg.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
		return httpSrv.Close()
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
