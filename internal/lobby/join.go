package lobby

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// JoinRequest 加入房間
type JoinRequest struct {
	Title    string
	Password string
	MapID    int
}

// JoinGame 加入房間，不存在時以呼叫者為房主建立
//
// 已在房間中的玩家重新加入時保留原本的隊伍與狀態。
func (c *Coordinator) JoinGame(ctx context.Context, req JoinRequest, caller string) (*Room, error) {
	defer c.observe(ctx, OpJoinGame, time.Now())

	if strings.TrimSpace(req.Title) == "" || caller == "" {
		return nil, apperrors.ErrMalformedParameters.WithOp(OpJoinGame).WithDetails("title and caller are required")
	}

	h, release, err := c.acquire(ctx, OpJoinGame, lockScope{
		room:         req.Title,
		player:       caller,
		roomOptional: true,
		loadPlayer:   true,
	})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if room == nil {
		id, err := c.ids.Next()
		if err != nil {
			return nil, opError(OpJoinGame, err)
		}
		room = NewRoom(id, req.Title, caller, req.MapID, req.Password, c.newToken())
		c.logger.InfoContext(ctx, "room created",
			"room", room.Title,
			"room_id", room.ID,
			"hoster", caller,
			"map_id", req.MapID)
	} else if room.Password != "" && room.Password != req.Password && !room.HasPlayer(caller) {
		return nil, apperrors.ErrWrongPassword.WithOp(OpJoinGame)
	}

	if current := h.user.Game; current != nil && current.Title != room.Title {
		if c.stillMember(ctx, current.Title, caller) {
			return nil, apperrors.ErrAlreadyInRoom.WithOp(OpJoinGame).WithDetails(current.Title)
		}
	}

	if !room.HasPlayer(caller) {
		if _, taken := room.Participants[caller]; taken {
			return nil, apperrors.New(apperrors.ErrCodeStateConflict, "name is used by a bot").WithOp(OpJoinGame)
		}
		room.Participants[caller] = Participant{Kind: KindHuman, Team: DefaultTeam}
	}

	if err := c.saveRoom(ctx, room); err != nil {
		return nil, opError(OpJoinGame, err)
	}
	if err := c.SynchronizeWithStore(ctx, room); err != nil {
		return nil, opError(OpJoinGame, err)
	}

	c.logger.InfoContext(ctx, "player joined room", "room", room.Title, "player", caller)
	return room, nil
}

// stillMember 玩家快取指向的房間是否真的還有該玩家
//
// 崩潰可能讓 userState.game 指向已刪除的房間，這時允許加入新房間。
func (c *Coordinator) stillMember(ctx context.Context, title, player string) bool {
	room, err := c.loadRoom(ctx, title)
	if err != nil {
		// 讀取失敗時保守處理
		return true
	}
	return room != nil && room.HasPlayer(player)
}

// LeaveGame 離開房間，返回呼叫者的快取與離開後的房間
//
// 房主離開時由名稱排序第一位的玩家接任；最後一位離開時刪除房間。
func (c *Coordinator) LeaveGame(ctx context.Context, title, caller string) (*UserState, *Room, error) {
	defer c.observe(ctx, OpLeaveGame, time.Now())

	if err := required(OpLeaveGame, field{"gameName", title}); err != nil {
		return nil, nil, err
	}

	h, release, err := c.acquire(ctx, OpLeaveGame, lockScope{
		room:       title,
		player:     caller,
		loadPlayer: true,
	})
	if err != nil {
		return nil, nil, err
	}
	defer release()

	room := h.room
	if !room.HasPlayer(caller) {
		return nil, nil, apperrors.ErrPlayerNotInRoom.WithOp(OpLeaveGame).WithDetails(caller)
	}

	delete(room.Participants, caller)
	room.AIHosters = removeName(room.AIHosters, caller)
	if room.Hoster == caller {
		if remaining := room.PlayerNames(); len(remaining) > 0 {
			room.Hoster = remaining[0]
			c.logger.InfoContext(ctx, "hoster transferred", "room", room.Title, "from", caller, "to", room.Hoster)
		}
	}

	user, err := c.updateUserState(ctx, OpLeaveGame, caller, func(u *UserState) {
		u.Game = nil
	})
	if err != nil {
		return nil, nil, err
	}

	if !room.Empty() {
		if err := c.saveRoom(ctx, room); err != nil {
			return nil, nil, opError(OpLeaveGame, err)
		}
	}
	if err := c.SynchronizeWithStore(ctx, room); err != nil {
		return nil, nil, opError(OpLeaveGame, err)
	}

	c.logger.InfoContext(ctx, "player left room", "room", room.Title, "player", caller)
	return user, room, nil
}

func removeName(names []string, name string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
