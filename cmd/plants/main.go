// データAPI（発電所データ）のエントリポイント。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/plant-analytics/internal/plants"
	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("データAPIが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadPlants()
	if err != nil {
		return err
	}
	log := logger.Init(cfg.LogLevel, "backend-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := plants.OpenSQLiteRepository(ctx, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	server := plants.NewServer(cfg, repo, log)
	if !cfg.IsDevelopment() {
		log.Info("API Gateway経由のリクエストのみを受け付けます", slog.String("gateway_source", cfg.GatewaySource))
	}
	log.Info("データAPIを起動します", slog.String("port", cfg.Port), slog.String("environment", cfg.Environment))
	return server.Run(ctx)
}
