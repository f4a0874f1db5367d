package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"

	"github.com/cohenjo/migrator/pkg/config"
	"github.com/cohenjo/migrator/pkg/pipeline"
	"github.com/cohenjo/migrator/pkg/registrations"
	"github.com/cohenjo/migrator/pkg/telemetry"
	"github.com/cohenjo/migrator/pkg/workerapi"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "configuration file path")
		logLevel    = flag.String("log-level", "", "log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrator-worker %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Before config is loaded there's no log level to configure zerolog
	// with, so bootstrap through a bare logrus JSON logger, same as
	// cmd/replicator/main.go does ahead of its own config load.
	bootstrapLog := logrus.New()
	bootstrapLog.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootstrapLog.WithError(err).Fatal("failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	configureLogger(cfg.Logging.Level, cfg.Logging.Format)

	log.Info().Str("version", version).Str("commit", commit).Msg("starting migrator worker")

	sources := registrations.Sources()
	destinations := registrations.Destinations()
	engine := pipeline.NewEngine(sources, destinations)

	telemetryMgr, err := telemetry.New("migrator-worker")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	engine.WithTelemetry(telemetryMgr)
	if cfg.Metrics.Enabled {
		go func() {
			if err := telemetryMgr.Serve(fmt.Sprintf(":%d", cfg.Metrics.Port), cfg.Metrics.Path); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("telemetry server failed")
			}
		}()
	}

	workerServer := workerapi.NewServer(engine, sources, destinations, cfg.MigrateHTTPTimeout)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.WorkerHost, cfg.WorkerPort),
		Handler: telemetryMgr.Middleware("worker", workerServer.ServeHTTP),
		// /migrate is a long-running synchronous RPC (§9); read/write
		// timeouts are left to MigrateHTTPTimeout-scoped request contexts
		// instead of a blanket http.Server timeout.
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("worker HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("worker HTTP server failed")
		}
	}()

	waitForShutdown(httpServer, telemetryMgr)
}

func configureLogger(level, format string) {
	zlevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func waitForShutdown(httpServer *http.Server, telemetryMgr *telemetry.Manager) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down worker")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("worker HTTP server shutdown error")
	}
	if err := telemetryMgr.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("telemetry shutdown error")
	}
}
