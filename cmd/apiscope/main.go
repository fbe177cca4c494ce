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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apiscope/apiscope/internal/config"
	"github.com/apiscope/apiscope/internal/logging"
	"github.com/apiscope/apiscope/internal/server"
	"github.com/apiscope/apiscope/internal/storage"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "apiscope",
	Short:   "apiscope - outbound API call capture and analysis",
	Long:    `apiscope records the outbound HTTP calls your services make, batches them through a bounded queue, and persists raw events plus per-endpoint aggregates to SQLite for querying.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("apiscope %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, replaced once config is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "apiscope",
	})

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "apiscope",
	})

	log.Info().Str("version", Version).Msg("Starting apiscope collector server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(storage.Config{
		DBPath:            cfg.Collector.DBPath,
		RetentionDays:     cfg.Collector.RetentionDays,
		RetentionInterval: time.Hour,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Collector.DBPath).Msg("Failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close storage cleanly")
		}
	}()

	if configFile != "" {
		watcher, err := config.NewWatcher(configFile, func(updated config.Config) {
			logging.Init(logging.Config{
				Format:    updated.LogFormat,
				Level:     updated.LogLevel,
				Component: "apiscope",
			})
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config file watching disabled")
		} else {
			defer watcher.Stop()
		}
	}

	startMetricsServer(ctx, cfg.Server.MetricsAddr)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.New(cfg.Server, store).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("apiscope stopped")
}
