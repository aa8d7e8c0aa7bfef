// Command synclined runs the notification broker: it receives spreadsheet
// edit events and direct notifications, classifies them, and fans them out
// to live websocket clients and registered push tokens.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncline-crm/syncline"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := syncline.DefaultConfig()
	if *configPath != "" {
		loaded, err := syncline.LoadConfig(*configPath)
		if err != nil {
			slog.Error("configuration unreadable", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	engine := syncline.NewRuleEngine()
	registry := syncline.NewRegistry()

	var push syncline.PushProvider
	if cfg.Push.URL != "" {
		push = syncline.NewHTTPPushProvider(cfg.Push)
	} else {
		logger.Warn("push provider not configured, background delivery disabled")
	}

	broker := syncline.NewBroker(engine, registry, push, logger)
	server := syncline.NewServerWithLogger(cfg.HTTP, broker, registry, logger)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", "err", err)
		os.Exit(1)
	}
}
