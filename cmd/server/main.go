// AuroraGuard - real-time fraud decision engine
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/auroraguard/internal/config"
	"github.com/mbd888/auroraguard/internal/logging"
	"github.com/mbd888/auroraguard/internal/server"
	"github.com/mbd888/auroraguard/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	logger.Info("starting auroraguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"feature_store", cfg.FeatureStore,
		"decision_budget_ms", cfg.DecisionBudget.Milliseconds(),
		"curve_version", cfg.CalibrationCurveVersion,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTelEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1) //nolint:gocritic
	}
}
