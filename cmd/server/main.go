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
	"github.com/koopa0/system-design/14-game-lobby/internal/autohost"
	"github.com/koopa0/system-design/14-game-lobby/internal/clients"
	"github.com/koopa0/system-design/14-game-lobby/internal/config"
	"github.com/koopa0/system-design/14-game-lobby/internal/events"
	"github.com/koopa0/system-design/14-game-lobby/internal/gateway"
	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/koopa0/system-design/14-game-lobby/internal/storage"
	"github.com/koopa0/system-design/14-game-lobby/internal/storage/migrations"
	"github.com/koopa0/system-design/14-game-lobby/pkg/logger"
	"github.com/koopa0/system-design/14-game-lobby/pkg/snowflake"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	ids, err := snowflake.NewGenerator(cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("id generator: %w", err)
	}

	var checks []gateway.Option

	// KV 儲存
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if rs, ok := store.(*kv.RedisStore); ok {
		checks = append(checks, gateway.WithHealthCheck("redis", rs.Ping))
	}

	// PostgreSQL（帳號、白名單、對戰紀錄）
	var (
		users     gateway.UserLoader = devUsers{ids: ids}
		whitelist autohost.WhitelistStore
		history   *storage.History
	)
	if cfg.Postgres.Enabled {
		pool, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		users = storage.NewUsers(pool)
		whitelist = storage.NewWhitelist(pool)
		history = storage.NewHistory(pool)
		checks = append(checks, gateway.WithHealthCheck("postgres", pool.Ping))
	} else {
		log.Warn("postgres disabled, accounts are synthesized from login tokens")
	}

	// Autohost
	dispatcher := autohost.NewDispatcher(log)
	defer dispatcher.Close()
	endpoint := autohost.NewEndpoint(dispatcher, autohost.NewGuard(cfg.Autohost.Whitelist, whitelist), log)

	coord := lobby.NewCoordinator(store, dispatcher, ids, log,
		lobby.WithTimeouts(lobby.Timeouts{
			StartGame:  cfg.Autohost.StartGameTimeout,
			KillEngine: cfg.Autohost.KillEngineTimeout,
			MidJoin:    cfg.Autohost.MidJoinTimeout,
		}),
		lobby.WithEndGameRetry(cfg.Autohost.EndGameRetry),
	)

	// NATS JetStream 事件
	if cfg.NATS.Enabled {
		bus, err := events.Connect(events.Config{
			URL:      cfg.NATS.URL,
			Stream:   cfg.NATS.Stream,
			Subjects: cfg.NATS.Subjects,
			MaxAge:   cfg.NATS.MaxAge,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer bus.Close()

		coord.AddListener(events.NewPublisher(bus, log))
		checks = append(checks, gateway.WithHealthCheck("nats", func(context.Context) error {
			if !bus.Connected() {
				return errors.New("disconnected")
			}
			return nil
		}))

		if history != nil {
			recorder := events.NewHistoryRecorder(history, log)
			if err := recorder.Start(bus, cfg.NATS.Consumer); err != nil {
				return fmt.Errorf("start history recorder: %w", err)
			}
			defer recorder.Stop()
		}
	}

	// 客戶端入口
	tokens := gateway.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Store.SessionTTL)
	opts := append([]gateway.Option{gateway.WithSessionTTL(cfg.Store.SessionTTL)}, checks...)
	gw := gateway.New(coord, store, users, tokens, clients.NewRegistry(log), dispatcher, log, opts...)
	coord.AddListener(gw)

	mux := http.NewServeMux()
	gw.Routes(mux)
	mux.Handle("GET /autohost", endpoint)

	// 升級後 gorilla 會清除伺服器設定的期限，心跳由 wsconn 負責
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"port", cfg.Server.Port,
			"node_id", cfg.Node.ID,
			"store", cfg.Store.Driver,
			"postgres", cfg.Postgres.Enabled,
			"nats", cfg.NATS.Enabled)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 停止接受新連接
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}

		// 關閉客戶端連接（斷線清理在 store 關閉前完成）
		gw.Close()
	}

	return nil
}

// openStore 依 store.driver 建立 KV 儲存
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (kv.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store, rooms are not shared between nodes")
		return kv.NewMemoryStore(cfg.Store.LockTTL), func() {}, nil
	}

	opts := &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		parsed.PoolSize = opts.PoolSize
		parsed.MinIdleConns = opts.MinIdleConns
		parsed.MaxRetries = opts.MaxRetries
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Error("failed to close redis", "error", err)
		}
	}
	return kv.NewRedisStore(client, cfg.Store.LockTTL), closeFn, nil
}

// openPostgres 連線並執行遷移
func openPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()
	if err := migrations.Run(dsn, log); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// devUsers 沒有資料庫時的帳號來源（單機開發）
type devUsers struct {
	ids *snowflake.Generator
}

func (d devUsers) Load(_ context.Context, username string) (*lobby.UserState, error) {
	id, err := d.ids.Next()
	if err != nil {
		return nil, err
	}
	return &lobby.UserState{
		ID:            id,
		Username:      username,
		Inventory:     []lobby.InventoryItem{},
		Marks:         []lobby.Mark{},
		Friends:       []string{},
		Confirmations: []lobby.Confirmation{},
		ChatRooms:     []string{},
	}, nil
}
