package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/nats-io/nats.go"
)

const (
	// recordTimeout 單筆紀錄的寫入時限
	recordTimeout = 10 * time.Second

	// nakDelay 寫入失敗後重送的延遲
	nakDelay = 5 * time.Second
)

// HistoryStore 對戰紀錄儲存，*storage.History 滿足
type HistoryStore interface {
	Record(ctx context.Context, rec lobby.GameRecord) (bool, error)
}

// errMalformed 無法解析的消息，不再重試
type errMalformed struct{ err error }

func (e errMalformed) Error() string { return fmt.Sprintf("malformed game event: %v", e.err) }
func (e errMalformed) Unwrap() error { return e.err }

// HistoryRecorder 消費 lobby.game.ended 並寫入對戰紀錄
type HistoryRecorder struct {
	store  HistoryStore
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewHistoryRecorder 創建紀錄消費者
func NewHistoryRecorder(store HistoryStore, logger *slog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		store:  store,
		logger: logger.With("component", "history"),
	}
}

// Start 以 durable consumer 訂閱
func (r *HistoryRecorder) Start(bus *Bus, durable string) error {
	sub, err := bus.Subscribe(SubjectGameEnded, durable, r.handleMsg)
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("history recorder started", "durable", durable)
	return nil
}

// Stop 停止接收（durable consumer 保留，重啟後繼續）
func (r *HistoryRecorder) Stop() {
	if r.sub == nil {
		return
	}
	if err := r.sub.Drain(); err != nil {
		r.logger.Warn("failed to drain subscription", "error", err)
	}
}

// Handle 處理一筆事件
func (r *HistoryRecorder) Handle(ctx context.Context, data []byte) error {
	var event GameEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errMalformed{err: err}
	}
	if event.Type != SubjectGameEnded {
		return nil
	}
	if event.Record.Conf.ID == 0 {
		return errMalformed{err: errors.New("missing game id")}
	}

	inserted, err := r.store.Record(ctx, event.Record)
	if err != nil {
		return err
	}
	if !inserted {
		r.logger.InfoContext(ctx, "game already recorded", "game_id", event.Record.Conf.ID)
		return nil
	}

	r.logger.InfoContext(ctx, "game recorded",
		"game_id", event.Record.Conf.ID,
		"room", event.Title,
		"team_win", event.Record.TeamWin)
	return nil
}

// handleMsg 成功 ACK；格式錯誤 Term；其他錯誤 NAK 等待重送
func (r *HistoryRecorder) handleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := r.Handle(ctx, msg.Data)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			r.logger.Warn("ack failed", "error", err)
		}
	case isMalformed(err):
		r.logger.Error("dropping game event", "error", err)
		if err := msg.Term(); err != nil {
			r.logger.Warn("term failed", "error", err)
		}
	default:
		r.logger.Error("failed to record game, will retry", "error", err)
		if err := msg.NakWithDelay(nakDelay); err != nil {
			r.logger.Warn("nak failed", "error", err)
		}
	}
}

func isMalformed(err error) bool {
	var m errMalformed
	return errors.As(err, &m)
}
