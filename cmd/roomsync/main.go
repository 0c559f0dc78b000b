// Copyright 2024-2026 Aiku AI

// Command roomsync keeps Matrix rooms and Mattermost channels synchronized
// as linked pairs: creations, renames, topic changes and archival on either
// side are mirrored onto the other, and an admin HTTP API exposes pair
// creation, bulk bridging and invite management.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/roomsync/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:     "roomsync",
	Short:   "Bidirectional Matrix-Mattermost room lifecycle synchronizer",
	Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Write the example config to the configured path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
		}
		if err := os.WriteFile(configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			return err
		}
		fmt.Println("Wrote example config to", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")
	rootCmd.AddCommand(generateConfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if logJSON {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
}

func run(ctx context.Context) error {
	log := newLogger()

	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		log.Err(err).Str("path", configPath).Msg("Failed to load config")
		return err
	}

	store, err := bridge.NewStore(ctx, cfg.Database, log)
	if err != nil {
		log.Err(err).Msg("Failed to open store")
		return err
	}
	defer store.Close()

	matrix, err := bridge.NewMatrixClient(&cfg.Matrix, log)
	if err != nil {
		log.Err(err).Msg("Failed to create Matrix client")
		return err
	}
	mattermost := bridge.NewMattermostClient(&cfg.Mattermost, log)
	if err := mattermost.Connect(ctx); err != nil {
		log.Err(err).Msg("Failed to connect to Mattermost")
		return err
	}

	reconciler := bridge.NewReconciler(cfg, store, matrix, mattermost, log)
	matrix.SetSink(reconciler)
	mattermost.SetSink(reconciler)

	if cfg.AdminAPIAddr != "" {
		server := bridge.NewAdminAPI(reconciler, log).Server(cfg.AdminAPIAddr)
		go func() {
			log.Info().Str("addr", cfg.AdminAPIAddr).Msg("Starting admin API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin API error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- matrix.Listen(ctx)
	}()
	go func() {
		errCh <- mattermost.Listen(ctx)
	}()
	log.Info().Msg("roomsync running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Err(err).Msg("Listener failed")
			return err
		}
		return nil
	}
}
