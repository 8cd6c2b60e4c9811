package lobby

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// checkHosterPreStart 房主限定、開始前限定的檢查
//
// 已開始的房間不論呼叫者是誰都返回 STATE_CONFLICT。
func checkHosterPreStart(op string, room *Room, caller string) error {
	if room.IsStarted {
		return apperrors.ErrGameAlreadyStarted.WithOp(op)
	}
	if !room.IsHoster(caller) {
		return apperrors.ErrNotHoster.WithOp(op)
	}
	return nil
}

// commit 寫回房間並同步玩家快取
func (c *Coordinator) commit(ctx context.Context, op string, room *Room, sync bool) error {
	if err := c.saveRoom(ctx, room); err != nil {
		return opError(op, err)
	}
	if !sync {
		return nil
	}
	return opError(op, c.SynchronizeWithStore(ctx, room))
}

// field 必填參數（名稱、值）
type field struct {
	name, value string
}

// required 依傳入順序檢查必填參數，回報第一個空白的欄位
func required(op string, fields ...field) error {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return apperrors.ErrMalformedParameters.WithOp(op).WithDetails(f.name + " is required")
		}
	}
	return nil
}

// SetTeam 房主調整玩家隊伍，返回所有玩家
func (c *Coordinator) SetTeam(ctx context.Context, title, target, team, caller string) (map[string]PlayerInfo, error) {
	defer c.observe(ctx, OpSetTeam, time.Now())

	if err := required(OpSetTeam, field{"gameName", title}, field{"player", target}, field{"team", team}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpSetTeam, lockScope{room: title, player: target})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpSetTeam, room, caller); err != nil {
		return nil, err
	}
	p, ok := room.Participants[target]
	if !ok || p.Kind != KindHuman {
		return nil, apperrors.ErrPlayerNotInRoom.WithOp(OpSetTeam).WithDetails(target)
	}

	p.Team = team
	room.Participants[target] = p

	if err := c.commit(ctx, OpSetTeam, room, true); err != nil {
		return nil, err
	}
	return room.Players(), nil
}

// SetMap 房主更換地圖
//
// 換地圖後所有玩家都要重新確認已下載（hasmap 重設為 false）。
func (c *Coordinator) SetMap(ctx context.Context, title string, mapID int, caller string) (*Room, error) {
	defer c.observe(ctx, OpSetMap, time.Now())

	if err := required(OpSetMap, field{"gameName", title}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpSetMap, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpSetMap, room, caller); err != nil {
		return nil, err
	}

	if room.MapID != mapID {
		room.MapID = mapID
		for name, p := range room.Participants {
			if p.Kind == KindHuman {
				p.HasMap = false
				room.Participants[name] = p
			}
		}
	}

	if err := c.commit(ctx, OpSetMap, room, true); err != nil {
		return nil, err
	}
	return room, nil
}

// SetMod 房主更換 mod（不同步玩家快取）
func (c *Coordinator) SetMod(ctx context.Context, title, mod, caller string) (*Room, error) {
	defer c.observe(ctx, OpSetMod, time.Now())

	if err := required(OpSetMod, field{"gameName", title}, field{"modId", mod}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpSetMod, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpSetMod, room, caller); err != nil {
		return nil, err
	}

	room.Mod = mod
	if err := c.commit(ctx, OpSetMod, room, false); err != nil {
		return nil, err
	}
	return room, nil
}

// ParseKind 解析 AI 類型
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "ai":
		return KindAI, nil
	case "chicken":
		return KindChicken, nil
	default:
		return "", apperrors.ErrMalformedParameters.WithDetails("type must be AI or Chicken")
	}
}

// SetAI 房主新增或更新 AI / 中立機器人
func (c *Coordinator) SetAI(ctx context.Context, title, name string, kind Kind, team, caller string) (*Room, error) {
	defer c.observe(ctx, OpSetAI, time.Now())

	if err := required(OpSetAI, field{"gameName", title}, field{"ai", name}, field{"team", team}); err != nil {
		return nil, err
	}
	if kind != KindAI && kind != KindChicken {
		return nil, apperrors.ErrMalformedParameters.WithOp(OpSetAI).WithDetails("type must be AI or Chicken")
	}

	h, release, err := c.acquire(ctx, OpSetAI, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpSetAI, room, caller); err != nil {
		return nil, err
	}
	if room.HasPlayer(name) {
		return nil, apperrors.New(apperrors.ErrCodeStateConflict, "name is used by a player").WithOp(OpSetAI)
	}

	room.Participants[name] = Participant{Kind: kind, Team: team}
	if kind == KindAI && !containsName(room.AIHosters, caller) {
		room.AIHosters = append(room.AIHosters, caller)
	}

	if err := c.commit(ctx, OpSetAI, room, true); err != nil {
		return nil, err
	}
	return room, nil
}

// DelAI 房主移除 AI / 中立機器人
func (c *Coordinator) DelAI(ctx context.Context, title, name, caller string) (*Room, error) {
	defer c.observe(ctx, OpDelAI, time.Now())

	if err := required(OpDelAI, field{"gameName", title}, field{"ai", name}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpDelAI, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpDelAI, room, caller); err != nil {
		return nil, err
	}
	p, ok := room.Participants[name]
	if !ok || p.Kind == KindHuman {
		return nil, apperrors.ErrAINotFound.WithOp(OpDelAI).WithDetails(name)
	}

	delete(room.Participants, name)
	if len(room.names(KindAI)) == 0 {
		room.AIHosters = []string{}
	}

	if err := c.commit(ctx, OpDelAI, room, true); err != nil {
		return nil, err
	}
	return room, nil
}

// HasMap 玩家回報已下載地圖
func (c *Coordinator) HasMap(ctx context.Context, title string, mapID int, caller string) (map[string]PlayerInfo, error) {
	defer c.observe(ctx, OpHasMap, time.Now())

	if err := required(OpHasMap, field{"gameName", title}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpHasMap, lockScope{room: title, player: caller})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	p, ok := room.Participants[caller]
	if !ok || p.Kind != KindHuman {
		return nil, apperrors.ErrPlayerNotInRoom.WithOp(OpHasMap).WithDetails(caller)
	}
	if room.MapID != mapID {
		return nil, apperrors.ErrMapMismatch.WithOp(OpHasMap)
	}

	p.HasMap = true
	room.Participants[caller] = p

	if err := c.commit(ctx, OpHasMap, room, true); err != nil {
		return nil, err
	}
	return room.Players(), nil
}

// SetSpectator 房主把玩家設為觀戰
func (c *Coordinator) SetSpectator(ctx context.Context, title, target, caller string) (map[string]PlayerInfo, error) {
	defer c.observe(ctx, OpSetSpectator, time.Now())

	if err := required(OpSetSpectator, field{"gameName", title}, field{"player", target}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpSetSpectator, lockScope{room: title, player: target})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpSetSpectator, room, caller); err != nil {
		return nil, err
	}
	p, ok := room.Participants[target]
	if !ok || p.Kind != KindHuman {
		return nil, apperrors.ErrPlayerNotInRoom.WithOp(OpSetSpectator).WithDetails(target)
	}

	p.IsSpectator = true
	room.Participants[target] = p

	if err := c.commit(ctx, OpSetSpectator, room, true); err != nil {
		return nil, err
	}
	return room.Players(), nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
