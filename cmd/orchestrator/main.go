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
	"github.com/cohenjo/migrator/pkg/opstore"
	"github.com/cohenjo/migrator/pkg/orchestrator"
	"github.com/cohenjo/migrator/pkg/orchestratorapi"
	"github.com/cohenjo/migrator/pkg/scheduler"
	"github.com/cohenjo/migrator/pkg/supervisor"
	"github.com/cohenjo/migrator/pkg/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "configuration file path")
		logLevel    = flag.String("log-level", "", "log level (debug, info, warn, error)")
		listenAddr  = flag.String("listen", ":8088", "orchestrator API listen address")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrator-orchestrator %s (%s)\n", version, commit)
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
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Str("version", version).Str("commit", commit).Msg("starting migrator orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := opstore.Open(ctx, cfg.OrchestratorDBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open operations store")
	}
	defer store.Close()

	telemetryMgr, err := telemetry.New("migrator-orchestrator")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	sup := supervisor.New("worker", cfg.WorkerEndpoint()+"/health", cfg.WorkerLaunchCommand, cfg.WorkerStartupTimeout)
	sup.WithTelemetry(telemetryMgr)
	orch := orchestrator.New(store, sup, cfg.WorkerEndpoint(), cfg.MigrateHTTPTimeout)
	orch.WithTelemetry(telemetryMgr)

	sched := scheduler.New(store, orch, cfg.SchedulerInterval)
	go sched.Run(ctx)

	if cfg.Metrics.Enabled {
		go func() {
			if err := telemetryMgr.Serve(fmt.Sprintf(":%d", cfg.Metrics.Port), cfg.Metrics.Path); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("telemetry server failed")
			}
		}()
	}

	apiServer := orchestratorapi.NewServer(store, orch)
	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: telemetryMgr.Middleware("orchestrator", apiServer.ServeHTTP),
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("orchestrator HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("orchestrator HTTP server failed")
		}
	}()

	waitForShutdown(httpServer, telemetryMgr, sched, cancel)
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

func waitForShutdown(httpServer *http.Server, telemetryMgr *telemetry.Manager, sched *scheduler.Scheduler, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down orchestrator")

	sched.Stop()
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("orchestrator HTTP server shutdown error")
	}
	if err := telemetryMgr.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("telemetry shutdown error")
	}
}
