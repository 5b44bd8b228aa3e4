package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coinflow/codec"
	"coinflow/config"
	"coinflow/feed"
	"coinflow/internal/metrics"
	"coinflow/internal/ops"
	"coinflow/logger"
	"coinflow/pipeline"
	"coinflow/poller"
	"coinflow/sequence"
	"coinflow/sink"
	"coinflow/subscription"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, "config/config.yml", map[string]string{
		config.EnvironmentProduction: "config/config.production.yml",
		config.EnvironmentStaging:    "config/config.staging.yml",
	})

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting coinflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.App.Name)
	}
	if cfg.Logging.Report.Enabled {
		logger.StartReport(ctx, log, cfg.Logging.Report.Interval)
	}
	if cfg.Metrics.Enabled {
		metrics.StartServer(ctx, cfg.Metrics.Addr)
	}

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to build storage sinks")
		os.Exit(1)
	}
	target := sink.NewMulti(sinks...)

	pipe := pipeline.NewPipeline(cfg, target)
	if err := pipe.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start pipeline")
		os.Exit(1)
	}

	tracker := sequence.NewTracker()
	subs := subscription.NewManager(cfg.Feed.Channels(), cfg.Feed.KindNames())
	dialer := feed.NewDialer(cfg.Feed.HandshakeTimeout)

	supervisor := feed.NewSupervisor(cfg, codec.New(cfg.Feed.KindNames()), tracker, subs, pipe, dialer)
	pipe.SetResyncer(supervisor)
	if err := supervisor.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start feed supervisor")
		os.Exit(1)
	}

	var quotePoller *poller.Poller
	if cfg.Poller.Enabled {
		quotePoller = poller.NewPoller(cfg, target)
		if err := quotePoller.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start quote poller")
			os.Exit(1)
		}
	}

	sources := ops.Sources{
		Feed:          supervisor,
		Subscriptions: subs,
		Sequences:     tracker,
		Pipeline:      pipe,
	}
	if quotePoller != nil {
		sources.Poller = quotePoller
	}
	opsServer := ops.NewServer(cfg.Ops, sources)
	opsErr := make(chan error, 1)
	go func() {
		opsErr <- opsServer.Run(ctx)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-supervisor.Fatal():
		log.WithError(err).Error("feed connection failed permanently")
		exitCode = 1
	case err := <-opsErr:
		if err != nil {
			log.WithError(err).Error("ops server failed")
			exitCode = 1
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping feed supervisor")
		supervisor.Stop()

		if quotePoller != nil {
			log.Info("stopping quote poller")
			quotePoller.Stop()
		}

		log.Info("stopping pipeline")
		pipe.Stop()

		if err := target.Close(); err != nil {
			log.WithError(err).Warn("closing sinks failed")
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("coinflow stopped")
	os.Exit(exitCode)
}

// buildSinks constructs every enabled storage sink. Config validation
// guarantees at least one is enabled.
func buildSinks(cfg *config.Config) ([]sink.Sink, error) {
	sinks, err := sink.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.GetLogger().WithComponent("main").WithFields(logger.Fields{"sinks": names}).Info("storage sinks ready")

	return sinks, nil
}
