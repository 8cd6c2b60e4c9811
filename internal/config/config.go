// Package config 載入大廳服務配置
//
// 來源優先順序：環境變數 > config.yaml > Default()。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		URL          string        `yaml:"url"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled  bool          `yaml:"enabled"`
		URL      string        `yaml:"url"`
		Stream   string        `yaml:"stream"`
		Subjects []string      `yaml:"subjects"`
		MaxAge   time.Duration `yaml:"max_age"`
		Consumer string        `yaml:"consumer"`
	} `yaml:"nats"`

	Store struct {
		// Driver redis 或 memory（單機開發）
		Driver     string        `yaml:"driver"`
		LockTTL    time.Duration `yaml:"lock_ttl"`
		SessionTTL time.Duration `yaml:"session_ttl"`
	} `yaml:"store"`

	Autohost struct {
		StartGameTimeout  time.Duration `yaml:"start_game_timeout"`
		KillEngineTimeout time.Duration `yaml:"kill_engine_timeout"`
		MidJoinTimeout    time.Duration `yaml:"mid_join_timeout"`
		EndGameRetry      time.Duration `yaml:"end_game_retry"`
		Whitelist         []string      `yaml:"whitelist"`
	} `yaml:"autohost"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	Node struct {
		ID int64 `yaml:"id"`
	} `yaml:"node"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Postgres.Enabled = true
	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "lobby"
	cfg.Postgres.DBName = "lobby"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Stream = "LOBBY"
	cfg.NATS.Subjects = []string{"lobby.game.*"}
	cfg.NATS.MaxAge = 7 * 24 * time.Hour
	cfg.NATS.Consumer = "game-history"

	cfg.Store.Driver = "redis"
	cfg.Store.LockTTL = 60 * time.Second
	cfg.Store.SessionTTL = time.Hour

	cfg.Autohost.StartGameTimeout = 30 * time.Second
	cfg.Autohost.KillEngineTimeout = 5 * time.Second
	cfg.Autohost.MidJoinTimeout = 2 * time.Second
	cfg.Autohost.EndGameRetry = 10 * time.Second

	cfg.Auth.Issuer = "lobby"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 讀取 yaml 檔案並套用環境變數
//
// 檔案不存在時使用預設值，方便容器內只靠環境變數啟動。
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path 來自命令行參數
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("APP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("APP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("NODE_ID: %w", err)
		}
		c.Node.ID = id
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Store.Driver != "redis" && c.Store.Driver != "memory" {
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.LockTTL > 0 && c.Store.LockTTL <= c.Autohost.StartGameTimeout {
		// startGame 在等待 serverStarted 時持有房間鎖
		return fmt.Errorf("store.lock_ttl (%s) must exceed autohost.start_game_timeout (%s)",
			c.Store.LockTTL, c.Autohost.StartGameTimeout)
	}
	if c.Node.ID < 0 || c.Node.ID > 1023 {
		return fmt.Errorf("node id must be between 0 and 1023, got %d", c.Node.ID)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
