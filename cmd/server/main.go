// Autonomy - bounded-autonomy decision engine for automated agents
package main

import (
	"context"
	"os"

	"github.com/mbd888/autonomy/internal/config"
	"github.com/mbd888/autonomy/internal/logging"
	"github.com/mbd888/autonomy/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	bootLogger.Info("starting autonomy",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"level", int(cfg.Level),
		"approval_ttl", cfg.ApprovalTTL,
		"policy_file", cfg.PolicyFile,
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
