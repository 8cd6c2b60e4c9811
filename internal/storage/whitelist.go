package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Whitelist autohost IP 白名單
type Whitelist struct {
	db DB
}

// NewWhitelist 創建白名單存取
func NewWhitelist(db DB) *Whitelist {
	return &Whitelist{db: db}
}

// Contains 實現 autohost.WhitelistStore
func (w *Whitelist) Contains(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := w.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM autohost_whitelist WHERE ip = $1)`,
		ip,
	).Scan(&exists)
	if err != nil {
		return false, dbError("whitelist lookup", err)
	}
	return exists, nil
}

// Add 加入白名單，已存在時不報錯
func (w *Whitelist) Add(ctx context.Context, ip string) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO autohost_whitelist (ip) VALUES ($1) ON CONFLICT (ip) DO NOTHING`,
		ip,
	)
	if err != nil {
		return dbError("whitelist add", err)
	}
	return nil
}

// Remove 移除白名單
func (w *Whitelist) Remove(ctx context.Context, ip string) error {
	if _, err := w.db.Exec(ctx, `DELETE FROM autohost_whitelist WHERE ip = $1`, ip); err != nil {
		return dbError("whitelist remove", err)
	}
	return nil
}

// List 所有白名單 IP
func (w *Whitelist) List(ctx context.Context) ([]string, error) {
	rows, err := w.db.Query(ctx, `SELECT ip FROM autohost_whitelist ORDER BY ip`)
	if err != nil {
		return nil, dbError("whitelist list", err)
	}
	ips, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, dbError("whitelist list", err)
	}
	return ips, nil
}
