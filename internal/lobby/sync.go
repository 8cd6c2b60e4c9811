package lobby

import (
	"context"

	"github.com/koopa0/system-design/14-game-lobby/internal/kv"

	"golang.org/x/sync/errgroup"
)

// SynchronizeWithStore 把房間快照寫入每位玩家的快取
//
// 流程：
//  1. 房間沒有玩家 → 直接刪除 gameRoom:<title>（房間唯一的刪除路徑）
//  2. 並行取得所有 lock:userState:<name>
//  3. 任何一把取不到 → 釋放已取得的鎖，返回 LOCK_CONTENTION
//  4. 並行寫入 userState.game = 快照
//  5. 釋放全部鎖（不論寫入是否失敗）
//
// 玩家已登出（快取不存在）時略過該玩家。
func (c *Coordinator) SynchronizeWithStore(ctx context.Context, room *Room) error {
	if room.Empty() {
		if err := c.store.Delete(ctx, kv.RoomKey(room.Title)); err != nil {
			return err
		}
		c.logger.InfoContext(ctx, "room deleted", "room", room.Title, "room_id", room.ID)
		return nil
	}

	names := room.PlayerNames()
	locks := make([]*kv.Lock, len(names))

	var acquire errgroup.Group
	for i, name := range names {
		acquire.Go(func() error {
			l, err := c.store.Lock(ctx, kv.UserStateLockKey(name))
			if err != nil {
				return err
			}
			locks[i] = l
			return nil
		})
	}
	err := acquire.Wait()
	defer c.releaseAll(ctx, "SYNC", locks)
	if err != nil {
		return err
	}

	snapshot := room.Clone()

	var write errgroup.Group
	for _, name := range names {
		write.Go(func() error {
			user, err := c.loadUser(ctx, name)
			if err != nil {
				return err
			}
			if user == nil {
				c.logger.DebugContext(ctx, "skip sync for offline player", "room", room.Title, "player", name)
				return nil
			}
			user.Game = snapshot
			_, err = c.store.Set(ctx, kv.UserStateKey(name), user, kv.SetOptions{})
			return err
		})
	}
	return write.Wait()
}
