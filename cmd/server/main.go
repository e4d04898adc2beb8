// tixpay - ticket payment settlement and escrow on the Stellar ledger
package main

import (
	"context"
	"os"

	"github.com/mbd888/tixpay/internal/config"
	"github.com/mbd888/tixpay/internal/logging"
	"github.com/mbd888/tixpay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tixpay",
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
		"horizon", cfg.HorizonURL,
		"assets", cfg.SupportedAssets,
		"auto_confirm", cfg.AutoConfirm,
		"escrow_accounts", cfg.EscrowEnabled(),
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
