// Package events 遊戲生命週期事件（NATS JetStream）
//
// 系統設計問題：
//
//	遊戲開始 / 結束時，除了推送給房間內的玩家，
//	還有對戰紀錄、勝敗統計等後續工作。這些工作不該拖慢
//	serverEnding 的處理，也不能因為大廳節點重啟而遺失。
//
// 設計方案：
//
//	✅ 協調器只發布事件（lobby.game.started / lobby.game.ended）
//	✅ JetStream 磁碟持久化，保留 MaxAge
//	✅ HistoryRecorder 以 durable consumer 手動 ACK 寫入 PostgreSQL
//	✅ 寫入以 run id 去重，重複投遞不會重複計算勝敗
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// 事件主題
const (
	SubjectGameStarted = "lobby.game.started"
	SubjectGameEnded   = "lobby.game.ended"
)

// Config JetStream 連線與 Stream 配置
type Config struct {
	URL      string
	Stream   string
	Subjects []string
	MaxAge   time.Duration
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		URL:      nats.DefaultURL,
		Stream:   "LOBBY",
		Subjects: []string{"lobby.game.*"},
		MaxAge:   7 * 24 * time.Hour,
	}
}

// Bus NATS JetStream 連線
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// Connect 連線並確保 Stream 存在
//
//	MaxReconnects(-1)：無限重連
//	ReconnectWait(1s)：重連間隔
//	PingInterval(20s)：心跳檢測
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	logger = logger.With("component", "events")

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("game-lobby"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Bus{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := b.initStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// initStream 建立或更新 Stream（可重複呼叫）
func (b *Bus) initStream() error {
	cfg := &nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: b.cfg.Subjects,
		Storage:  nats.FileStorage,
		MaxAge:   b.cfg.MaxAge,
		Replicas: 1,
		// run id 作為 Msg-Id，兩分鐘內的重複發布會被丟棄
		Duplicates: 2 * time.Minute,
	}

	_, err := b.js.StreamInfo(b.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", b.cfg.Stream, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", b.cfg.Stream, err)
	}

	if _, err := b.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

// Publish 同步發布，等待 PubAck
func (b *Bus) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := b.js.Publish(subject, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe durable push consumer，手動 ACK
func (b *Bus) Subscribe(subject, durable string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := b.js.Subscribe(
		subject,
		handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(10),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Connected 連線狀態（/health 使用）
func (b *Bus) Connected() bool {
	return b.conn.IsConnected()
}

// Close 清空待送消息後關閉
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed", "error", err)
		b.conn.Close()
	}
}
