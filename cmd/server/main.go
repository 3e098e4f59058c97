// fraudproof - fraud scoring with an on-chain audit trail
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fraudproof/fraudproof/internal/config"
	"github.com/fraudproof/fraudproof/internal/logging"
	"github.com/fraudproof/fraudproof/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting fraudproof",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store", cfg.StoreDriver,
		"manifest", cfg.ModelManifest,
		"chain_id", cfg.ChainID,
		"anchoring", cfg.AnchoringEnabled(),
	)

	if Version != "dev" {
		server.Version = Version
	}

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
