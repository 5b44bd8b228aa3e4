// Command pull fetches the current quotes for every configured symbol once
// and writes them through the enabled sinks. Intended for cron-driven
// backfills and for smoke-testing sink configuration.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/poller"
	"coinflow/sink"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	timeout := flag.Duration("timeout", time.Minute, "Overall deadline for the import")
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
	if cfg.Poller.Endpoint == "" {
		log.Error("poller.endpoint is not configured (set it or QUICKNODE_ENDPOINT)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sinks, err := sink.FromConfig(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to build storage sinks")
		os.Exit(1)
	}
	target := sink.NewMulti(sinks...)
	defer target.Close()

	stats, err := poller.PullOnce(ctx, cfg, target)
	entry := log.WithComponent("pull").WithFields(logger.Fields{
		"successful": stats.Successful,
		"failed":     stats.Failed,
		"sinks":      target.Name(),
	})
	if err != nil {
		entry.WithError(err).Error("quote import failed")
		os.Exit(1)
	}
	entry.Info("quote import complete")
}
