package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/config"
	"github.com/clowbot/clowbot/go/internal/logger"
	"github.com/clowbot/clowbot/go/internal/tracing"
)

const serviceName = "clowbot-api"

var version = "dev"

// loadConfig reads the configuration and installs the global logger and
// tracer before anything else runs.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := logger.Install(cfg.AppEnv, cfg.LogLevel, serviceName); err != nil {
		return config.Config{}, fmt.Errorf("failed to configure logger: %w", err)
	}
	if err := tracing.Init(serviceName, version, cfg.Tracing.Output); err != nil {
		return config.Config{}, fmt.Errorf("failed to configure tracing: %w", err)
	}
	if cfg.AuthDisabled {
		log.Warn().Msg("admin auth disabled")
	}
	return cfg, nil
}
