package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-recorder/internal/config"
	"hls-recorder/internal/logger"
	"hls-recorder/internal/proxy"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	// Optional: Load config from file if exists
	cfgErr := config.LoadConfig(*configPath)
	log := logger.New("hls-recorder", config.GlobalConfig.LogLevel)
	if cfgErr != nil {
		log.Error("invalid config", "path", *configPath, "error", cfgErr)
		os.Exit(1)
	}

	// Create cache dir if not exists
	if err := os.MkdirAll(config.GlobalConfig.CacheDir, 0755); err != nil {
		log.Error("failed to create cache directory", "error", err)
		os.Exit(1)
	}

	server, err := proxy.NewServer(log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}
}
