package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/altibiz/pidgeon/internal/config"
	"github.com/altibiz/pidgeon/internal/jobs"
	"github.com/altibiz/pidgeon/internal/logger"
	"github.com/altibiz/pidgeon/internal/supervisor"
)

var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the gateway config file (YAML/TOML/JSON)")
	flag.Parse()

	cfgManager, err := config.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	values, err := cfgManager.Values()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      values.LogLevel,
		Format:     "console",
		LogDir:     "./logs",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Get().With(zap.String("version", Version))
	log.Info("pidgeon starting", zap.String("config", *configPath))

	services, err := jobs.Build(cfgManager, values)
	if err != nil {
		log.Fatal("failed to build services", zap.Error(err))
	}

	container := supervisor.NewContainer(services)
	if err := container.Startup(); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	log.Info("scheduler started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown signal received, draining jobs")
	if err := container.Shutdown(); err != nil {
		log.Error("shutdown did not complete cleanly", zap.Error(err))
	}
	log.Info("pidgeon stopped")
}
