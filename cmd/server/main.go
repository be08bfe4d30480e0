package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koopa0/system-design/14-checkers-matchmaking/internal"
	"github.com/koopa0/system-design/14-checkers-matchmaking/internal/migrations"
	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/logger"
	"github.com/koopa0/system-design/14-checkers-matchmaking/pkg/telemetry"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔案路徑（YAML）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)，覆蓋配置檔")
	)
	flag.Parse()

	// 載入配置
	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}

	// 設置日誌
	log, err := logger.New(logger.Options{
		Level:     config.Log.Level,
		Format:    config.Log.Format,
		AddSource: config.Log.Level == "debug", // debug 模式顯示源碼位置
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx := context.Background()

	// OpenTelemetry（未啟用時全域 provider 為 noop）
	shutdownTelemetry, err := telemetry.Init(ctx, config.TelemetryOptions(), log)
	if err != nil {
		log.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := internal.NewMetrics(nil)
	if err != nil {
		log.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	// 建立 Registry
	registry, err := openRegistry(ctx, config, log)
	if err != nil {
		log.Error("failed to open registry", "backend", config.Registry.Backend, "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	// 投遞鏈：本機 Hub → NATS（多實例時）
	hub := internal.NewHub(config.HubConfig(), log)
	var remote internal.Deliverer
	var bridge *internal.NATSBridge
	if config.NATS.Enabled {
		nc, err := nats.Connect(
			config.NATS.URL,
			nats.Name("checkers-matchmaking"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.PingInterval(20*time.Second),
		)
		if err != nil {
			log.Error("failed to connect to nats", "url", config.NATS.URL, "error", err)
			os.Exit(1)
		}
		defer nc.Drain()

		bridge = internal.NewNATSBridge(nc, config.NATS.SubjectPrefix, hub, config.NATS.RequestTimeout, log)
		hub.AddObserver(bridge)
		remote = internal.NewNATSDeliverer(nc, config.NATS.SubjectPrefix, config.NATS.RequestTimeout, log)
		log.Info("cross-instance delivery enabled", "url", config.NATS.URL)
	}
	deliverer := internal.NewRouter(hub, remote, log)

	// 配對服務
	presence := internal.NewPresence(registry, deliverer, config.Fanout.Concurrency, config.Registry.ConflictRetries, log).
		WithMetrics(metrics)
	mmConfig := config.MatchmakerConfig()
	mmConfig.Metrics = metrics
	matchmaker := internal.NewMatchmaker(registry, deliverer, presence, mmConfig, log)
	hub.SetEventHandler(matchmaker)

	// HTTP API 與 WebSocket
	handler := internal.NewHandler(registry, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      otelhttp.NewHandler(handler.Routes(), "checkers-matchmaking"),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	// 啟動服務器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("配對服務器啟動",
			"port", config.Server.Port,
			"registry", config.Registry.Backend,
			"nats", config.NATS.Enabled)
		serverErrors <- server.ListenAndServe()
	}()

	// 等待中斷信號
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 關閉 WebSocket 連線，等待斷線清理完成
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error("WebSocket Hub 關閉逾時", "error", err)
	}
	if bridge != nil {
		bridge.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Error("OpenTelemetry 關閉失敗", "error", err)
	}

	log.Info("服務器已關閉")
}

// openRegistry 依配置建立 Registry 後端
func openRegistry(ctx context.Context, config *internal.Config, log *slog.Logger) (internal.Registry, error) {
	switch config.Registry.Backend {
	case internal.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         config.Redis.Addr,
			Password:     config.Redis.Password,
			DB:           config.Redis.DB,
			PoolSize:     config.Redis.PoolSize,
			MinIdleConns: config.Redis.MinIdleConns,
			MaxRetries:   config.Redis.MaxRetries,
			ReadTimeout:  config.Redis.ReadTimeout,
			WriteTimeout: config.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return internal.NewRedisRegistry(client, config.Registry.KeyPrefix, log), nil

	case internal.BackendPostgres:
		dsn := config.PostgresDSN()

		// 執行資料庫遷移
		migrator, err := migrations.New(dsn, log)
		if err != nil {
			return nil, err
		}
		err = migrator.Up()
		if closeErr := migrator.Close(); closeErr != nil {
			log.Warn("failed to close migrator", "error", closeErr)
		}
		if err != nil {
			return nil, err
		}

		// 使用 pgxpool 而非單一連線
		pgConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = config.Postgres.MaxConns
		pgConfig.MinConns = config.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return internal.NewPostgresRegistry(pool, log), nil

	default:
		return internal.NewMemoryRegistry(log), nil
	}
}
