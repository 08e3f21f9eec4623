// Command server is the pulseintel process entrypoint: it loads
// configuration, builds the root Service, and runs until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pulseintel/internal/config"
	"pulseintel/internal/core"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting pulseintel")

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("listen_addr", cfg.Server.ListenAddr))

	svc, err := core.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal("failed to start service", zap.Error(err))
	}
	logger.Info("pulseintel started", zap.String("ws_addr", "ws://"+cfg.Server.ListenAddr+"/ws"))

	waitForShutdown(logger)

	if err := svc.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("pulseintel stopped gracefully")
}

func buildLogger() (*zap.Logger, error) {
	c := zap.NewProductionConfig()
	c.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	c.OutputPaths = []string{"stdout"}
	return c.Build()
}

// loadConfig looks for configs/config.yaml next to the executable,
// matching the teacher's resolve-path-relative-to-binary convention.
func loadConfig() (*config.Config, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}
	configPath := filepath.Join(filepath.Dir(execPath), "configs", "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = "configs/config.yaml"
	}

	loader := config.NewConfigLoader()
	return loader.LoadConfig(configPath)
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}
