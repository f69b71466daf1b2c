// 認証サービスのエントリポイント。
// ユーザー登録・ログイン・アクセストークンの発行と検証を担当する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/plant-analytics/internal/auth"
	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("認証サービスが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAuth()
	if err != nil {
		return err
	}
	log := logger.Init(cfg.LogLevel, "auth-service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	service := auth.NewService(store, auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL), cfg.BcryptCost, log)
	server := auth.NewServer(cfg, service, log)

	log.Info("認証サービスを起動します",
		slog.String("port", cfg.Port),
		slog.String("environment", cfg.Environment),
		slog.String("user_store", cfg.UserStore),
	)
	return server.Run(ctx)
}

// openStore はUSER_STOREに応じたユーザーストアを開く。
func openStore(ctx context.Context, cfg *config.Auth) (auth.UserStore, func(), error) {
	switch cfg.UserStore {
	case "postgres":
		pool, err := auth.ConnectPostgres(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, err
		}
		store := auth.NewPostgresUserStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		store, err := auth.OpenSQLiteUserStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
