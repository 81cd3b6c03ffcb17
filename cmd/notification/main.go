// 通知サービスのエントリポイント。
// WebSocketで接続中のユーザーを管理し、イベント駆動の通知を即時配信して
// 受信者ごとに通知ストアへ保存する。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/volunteerhub/internal/notification"
	"github.com/nao1215/volunteerhub/internal/presence"
	"github.com/nao1215/volunteerhub/pkg/config"
	"github.com/nao1215/volunteerhub/pkg/httpclient"
	"github.com/nao1215/volunteerhub/pkg/logger"
	"github.com/nao1215/volunteerhub/pkg/middleware"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("通知サービスが異常終了しました", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := notification.InitSchema(initCtx, db, zl); err != nil {
		return err
	}

	var store notification.Store = notification.NewSQLStore(db)
	if cfg.Redis.Enabled() {
		rdb, err := notification.NewRedisClient(initCtx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		store = notification.NewCachedStore(store, rdb, cfg.Redis.CountTTL, zl)
		zl.Info("未読件数のキャッシュを有効化しました", zap.String("address", cfg.Redis.Address))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := notification.NewMetrics(reg)

	opts := []notification.ReconcilerOption{notification.WithReconcilerMetrics(metrics)}
	if cfg.EventStore.URL != "" {
		sink := notification.NewEventStoreSink(httpclient.New(cfg.EventStore.URL, httpclient.WithTimeout(cfg.Store.Timeout)))
		opts = append(opts, notification.WithAuditSink(sink))
		zl.Info("監査イベントの送信を有効化しました", zap.String("url", cfg.EventStore.URL))
	}
	reconciler := notification.NewReconciler(store, cfg.Store.Timeout, zl, opts...)

	registry := presence.NewRegistry(zl)
	verifier := middleware.NewJWTVerifier(cfg.Auth.JWTSecret)
	hub := notification.NewHub(registry, verifier, notification.HubConfig{
		SendBuffer:     cfg.WebSocket.SendBuffer,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, metrics, zl)
	router := notification.NewRouter(registry, hub, reconciler, metrics, zl)

	server := notification.NewServer(notification.ServerConfig{
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		StoreTimeout:    cfg.Store.Timeout,
		PageSize:        cfg.Notifications.PageSize,
		MaxPageSize:     cfg.Notifications.MaxPageSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, notification.Deps{
		Store:      store,
		Reconciler: reconciler,
		Router:     router,
		Hub:        hub,
		Registry:   registry,
		Verifier:   verifier,
		Gatherer:   reg,
		Logger:     zl,
	})

	return server.Run(ctx)
}
