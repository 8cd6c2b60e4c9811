package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// ErrGameNotFound 對戰紀錄不存在
var ErrGameNotFound = apperrors.New(apperrors.ErrCodeNotFound, "game not found")

// History 對戰紀錄
type History struct {
	db DB
}

// NewHistory 創建對戰紀錄存取
func NewHistory(db DB) *History {
	return &History{db: db}
}

// Record 寫入一局遊戲並更新玩家勝敗場數
//
// 以 run id 為主鍵，重複投遞的事件只會寫入一次；返回是否為新紀錄。
// 觀戰者、AI 與中立機器人不計入勝敗。
func (h *History) Record(ctx context.Context, rec lobby.GameRecord) (bool, error) {
	conf, err := json.Marshal(rec.Conf)
	if err != nil {
		return false, fmt.Errorf("encode game config: %w", err)
	}

	inserted := false
	err = pgx.BeginFunc(ctx, h.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO games (id, room_id, title, game_config, team_win, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			rec.Conf.ID, rec.Conf.RoomID, rec.Conf.Title, conf, rec.TeamWin, rec.StartedAt, rec.EndedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		if rec.TeamWin < 0 {
			return nil
		}
		winners, losers := splitResult(rec.Conf, rec.TeamWin)
		if len(winners) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE users SET win_count = win_count + 1, updated_at = NOW() WHERE username = ANY($1)`,
				winners,
			); err != nil {
				return err
			}
		}
		if len(losers) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE users SET lose_count = lose_count + 1, updated_at = NOW() WHERE username = ANY($1)`,
				losers,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, dbError("record game", err)
	}
	return inserted, nil
}

// Get 讀取一局遊戲
func (h *History) Get(ctx context.Context, id int64) (*lobby.GameRecord, error) {
	var (
		rec  lobby.GameRecord
		conf []byte
	)
	err := h.db.QueryRow(ctx, `
		SELECT game_config, team_win, start_time, end_time
		FROM games
		WHERE id = $1`,
		id,
	).Scan(&conf, &rec.TeamWin, &rec.StartedAt, &rec.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound.WithDetails(fmt.Sprint(id))
		}
		return nil, dbError("get game", err)
	}
	if err := json.Unmarshal(conf, &rec.Conf); err != nil {
		return nil, fmt.Errorf("decode game config: %w", err)
	}
	return &rec, nil
}

// splitResult 依勝隊分出勝方與敗方玩家
func splitResult(conf lobby.GameConf, teamWin int) (winners, losers []string) {
	for name, slot := range conf.Team {
		if slot.IsAI || slot.IsChicken || slot.IsSpectator {
			continue
		}
		if slot.Team == teamWin {
			winners = append(winners, name)
		} else {
			losers = append(losers, name)
		}
	}
	return winners, losers
}
