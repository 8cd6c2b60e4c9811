// Package storage 大廳的持久化資料（PostgreSQL）
//
// Redis 只保存線上狀態；帳號、autohost 白名單與對戰紀錄放在 PostgreSQL：
//
//	users               登入時載入為 userState
//	user_friends        好友名單
//	autohost_whitelist  允許註冊的 autohost IP
//	games               每局結束時寫入一筆
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// DB 查詢介面，*pgxpool.Pool 與 pgx.Tx 都滿足
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// uniqueViolation PostgreSQL unique_violation
const uniqueViolation = "23505"

// ErrUsernameTaken 用戶名稱已存在
var ErrUsernameTaken = apperrors.New(apperrors.ErrCodeStateConflict, "username already taken")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// dbError 包裝非預期的資料庫錯誤，取消與超時原樣返回
func dbError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, fmt.Sprintf("database: %s", op))
}
