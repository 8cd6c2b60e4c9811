package gateway

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
)

// outcome 房間操作的結果
//
//	path / state            回給呼叫者
//	pushPath / pushState    推送給 recipients 中的其他玩家（pushPath 為空時不推送）
type outcome struct {
	path  string
	state any

	recipients []string
	pushPath   string
	pushState  any
}

type handlerFunc func(ctx context.Context, caller string, raw json.RawMessage) (outcome, error)

// roomOutcome 呼叫者與其他玩家收到相同內容
func roomOutcome(path string, state any, recipients []string) outcome {
	return outcome{path: path, state: state, recipients: recipients, pushPath: path, pushState: state}
}

func playerNames(players map[string]lobby.PlayerInfo) []string {
	names := make([]string, 0, len(players))
	for name := range players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// roomHandlers action → 處理函數
func (g *Gateway) roomHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		lobby.OpJoinGame:     g.joinGame,
		lobby.OpSetTeam:      g.setTeam,
		lobby.OpSetMap:       g.setMap,
		lobby.OpSetMod:       g.setMod,
		lobby.OpSetAI:        g.setAI,
		lobby.OpDelAI:        g.delAI,
		lobby.OpHasMap:       g.hasMap,
		lobby.OpSetSpectator: g.setSpectator,
		lobby.OpStartGame:    g.startGame,
		lobby.OpKillEngine:   g.killEngine,
		lobby.OpMidJoin:      g.midJoin,
		lobby.OpLeaveGame:    g.leaveGame,
	}
}

func (g *Gateway) joinGame(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p joinGameParams
	if err := g.decoder.decode(lobby.OpJoinGame, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.JoinGame(ctx, lobby.JoinRequest{Title: p.GameName, Password: p.Password, MapID: *p.MapID}, caller)
	if err != nil {
		return outcome{}, err
	}

	// 其他玩家只需要知道新加入者的狀態
	return outcome{
		path:       "user.game",
		state:      room.View(),
		recipients: room.PlayerNames(),
		pushPath:   "user.game.players." + caller,
		pushState:  room.Players()[caller],
	}, nil
}

func (g *Gateway) setTeam(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p setTeamParams
	if err := g.decoder.decode(lobby.OpSetTeam, raw, &p); err != nil {
		return outcome{}, err
	}

	players, err := g.coord.SetTeam(ctx, p.GameName, p.Player, p.Team, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game.players", players, playerNames(players)), nil
}

func (g *Gateway) setMap(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p mapParams
	if err := g.decoder.decode(lobby.OpSetMap, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.SetMap(ctx, p.GameName, *p.MapID, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game.mapId", room.MapID, room.PlayerNames()), nil
}

func (g *Gateway) setMod(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p setModParams
	if err := g.decoder.decode(lobby.OpSetMod, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.SetMod(ctx, p.GameName, p.ModID, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game", room.View(), room.PlayerNames()), nil
}

func (g *Gateway) setAI(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p setAIParams
	if err := g.decoder.decode(lobby.OpSetAI, raw, &p); err != nil {
		return outcome{}, err
	}
	kind, err := lobby.ParseKind(p.Type)
	if err != nil {
		return outcome{}, err
	}

	room, err := g.coord.SetAI(ctx, p.GameName, p.AI, kind, p.Team, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game", room.View(), room.PlayerNames()), nil
}

func (g *Gateway) delAI(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p delAIParams
	if err := g.decoder.decode(lobby.OpDelAI, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.DelAI(ctx, p.GameName, p.AI, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game", room.View(), room.PlayerNames()), nil
}

func (g *Gateway) hasMap(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p mapParams
	if err := g.decoder.decode(lobby.OpHasMap, raw, &p); err != nil {
		return outcome{}, err
	}

	players, err := g.coord.HasMap(ctx, p.GameName, *p.MapID, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game.players", players, playerNames(players)), nil
}

func (g *Gateway) setSpectator(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p setSpectatorParams
	if err := g.decoder.decode(lobby.OpSetSpectator, raw, &p); err != nil {
		return outcome{}, err
	}

	players, err := g.coord.SetSpectator(ctx, p.GameName, p.Player, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game.players", players, playerNames(players)), nil
}

func (g *Gateway) startGame(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p gameParams
	if err := g.decoder.decode(lobby.OpStartGame, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.StartGame(ctx, p.GameName, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game", room.View(), room.PlayerNames()), nil
}

func (g *Gateway) killEngine(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p gameParams
	if err := g.decoder.decode(lobby.OpKillEngine, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.KillEngine(ctx, p.GameName, caller)
	if err != nil {
		return outcome{}, err
	}
	return roomOutcome("user.game", room.View(), room.PlayerNames()), nil
}

func (g *Gateway) midJoin(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p gameParams
	if err := g.decoder.decode(lobby.OpMidJoin, raw, &p); err != nil {
		return outcome{}, err
	}

	room, err := g.coord.MidJoin(ctx, p.GameName, caller)
	if err != nil {
		return outcome{}, err
	}
	return outcome{path: "user.game", state: room.View()}, nil
}

func (g *Gateway) leaveGame(ctx context.Context, caller string, raw json.RawMessage) (outcome, error) {
	var p gameParams
	if err := g.decoder.decode(lobby.OpLeaveGame, raw, &p); err != nil {
		return outcome{}, err
	}

	user, room, err := g.coord.LeaveGame(ctx, p.GameName, caller)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		path:       "user",
		state:      user.View(),
		recipients: room.PlayerNames(),
		pushPath:   "user.game.players",
		pushState:  room.Players(),
	}, nil
}
