package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// Users 帳號資料
type Users struct {
	db DB
}

// NewUsers 創建帳號存取
func NewUsers(db DB) *Users {
	return &Users{db: db}
}

// Create 建立帳號，返回 id
func (u *Users) Create(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	err := u.db.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`,
		username, passwordHash,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken.WithDetails(username)
		}
		return 0, dbError("create user", err)
	}
	return id, nil
}

// Load 依用戶名稱載入快取狀態（LOGIN 時使用）
//
// 返回的 UserState 沒有 game，session 欄位由 gateway 初始化。
func (u *Users) Load(ctx context.Context, username string) (*lobby.UserState, error) {
	state := &lobby.UserState{
		Username:      username,
		Inventory:     []lobby.InventoryItem{},
		Marks:         []lobby.Mark{},
		Confirmations: []lobby.Confirmation{},
		ChatRooms:     []string{},
	}

	err := u.db.QueryRow(ctx, `
		SELECT id, access_level, exp, blocked, win_count, lose_count
		FROM users
		WHERE username = $1`,
		username,
	).Scan(
		&state.ID,
		&state.AccessLevel,
		&state.Exp,
		&state.Blocked,
		&state.WinCount,
		&state.LoseCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrPlayerNotFound.WithDetails(username)
		}
		return nil, dbError("load user", err)
	}

	friends, err := u.Friends(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	state.Friends = friends

	return state, nil
}

// Friends 好友名稱（排序）
func (u *Users) Friends(ctx context.Context, userID int64) ([]string, error) {
	rows, err := u.db.Query(ctx, `
		SELECT f.username
		FROM user_friends uf
		JOIN users f ON f.id = uf.friend_id
		WHERE uf.user_id = $1
		ORDER BY f.username`,
		userID,
	)
	if err != nil {
		return nil, dbError("load friends", err)
	}

	friends, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, dbError("load friends", err)
	}
	if friends == nil {
		friends = []string{}
	}
	return friends, nil
}

// AddFriend 雙向加好友
func (u *Users) AddFriend(ctx context.Context, userID, friendID int64) error {
	_, err := u.db.Exec(ctx, `
		INSERT INTO user_friends (user_id, friend_id)
		VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING`,
		userID, friendID,
	)
	if err != nil {
		return dbError("add friend", err)
	}
	return nil
}
