package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
)

// publishTimeout 等待 PubAck 的時限
const publishTimeout = 5 * time.Second

// GameEvent 事件內容
type GameEvent struct {
	Type      string           `json:"type"`
	RoomID    int64            `json:"roomId"`
	Title     string           `json:"title"`
	Worker    string           `json:"worker"`
	Port      int              `json:"port,omitempty"`
	Players   []string         `json:"players"`
	Record    lobby.GameRecord `json:"record"`
	Timestamp time.Time        `json:"timestamp"`
}

// Sink 事件發布目標，*Bus 滿足
type Sink interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// Publisher 把協調器的遊戲事件發布到 JetStream
//
// 實現 lobby.Listener。發布失敗只記錄日誌，不影響房間狀態。
type Publisher struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher 創建發布者
func NewPublisher(sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{
		sink:   sink,
		logger: logger.With("component", "events"),
		now:    time.Now,
	}
}

// GameStarted 實現 lobby.Listener
func (p *Publisher) GameStarted(ctx context.Context, room *lobby.Room, rec lobby.GameRecord) {
	p.publish(ctx, SubjectGameStarted, room, rec)
}

// GameEnded 實現 lobby.Listener
func (p *Publisher) GameEnded(ctx context.Context, room *lobby.Room, rec lobby.GameRecord) {
	p.publish(ctx, SubjectGameEnded, room, rec)
}

func (p *Publisher) publish(ctx context.Context, subject string, room *lobby.Room, rec lobby.GameRecord) {
	event := GameEvent{
		Type:      subject,
		RoomID:    rec.Conf.RoomID,
		Title:     rec.Conf.Title,
		Worker:    rec.Conf.Mgr,
		Port:      room.AutohostPort,
		Players:   room.PlayerNames(),
		Record:    rec,
		Timestamp: p.now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode game event", "subject", subject, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msgID := fmt.Sprintf("%s.%d", subject, rec.Conf.ID)
	if err := p.sink.Publish(pctx, subject, msgID, data); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish game event",
			"subject", subject,
			"room", rec.Conf.Title,
			"game_id", rec.Conf.ID,
			"error", err)
		return
	}

	p.logger.DebugContext(ctx, "game event published", "subject", subject, "game_id", rec.Conf.ID)
}
