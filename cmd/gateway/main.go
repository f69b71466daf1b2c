// API Gatewayサービスのエントリポイント。
// 流量制限・トークン検証・リクエストルーティング・読み取りキャッシュを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/plant-analytics/internal/gateway"
	"github.com/nao1215/plant-analytics/pkg/cache"
	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Gatewayサービスが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	log := logger.Init(cfg.LogLevel, "api-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *cache.Store
	if cfg.CacheEnabled {
		store = cache.New(cache.NewClient(cfg.Redis), cfg.Redis.DefaultTTL,
			cache.WithLogger(log),
			cache.WithLoadTimeout(cfg.ProxyTimeout),
		)
		defer func() { _ = store.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			// Redisが停止していてもキャッシュ無しで動作を続ける
			log.Warn("Redisに接続できません。キャッシュ無しで起動します",
				slog.String("addr", cfg.Redis.Addr()), slog.Any("error", err))
		}
		cancel()
	}

	server, err := gateway.New(cfg, store, log)
	if err != nil {
		return err
	}
	log.Info("Gatewayサービスを起動します",
		slog.String("port", cfg.Port),
		slog.String("environment", cfg.Environment),
		slog.String("backend", cfg.BackendURL),
		slog.String("auth_service", cfg.AuthServiceURL),
		slog.Bool("cache", cfg.CacheEnabled),
	)
	return server.Run(ctx)
}
