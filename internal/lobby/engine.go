package lobby

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/autohost"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"

	"github.com/cenkalti/backoff/v4"
)

// engineParams killEngine 的參數
type engineParams struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// midJoinParams midJoin 的參數
type midJoinParams struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	PlayerName  string `json:"playerName"`
	Team        int    `json:"team"`
	IsSpectator bool   `json:"isSpectator"`
	Token       string `json:"token"`
}

// StartGame 房主開始遊戲
//
// 流程：
//  1. 檢查房主、未開始、所有非觀戰玩家已下載地圖
//  2. 輪詢選 worker，建立引擎配置
//  3. 註冊 serverEnding handler，送出 startGame 並等待 serverStarted
//  4. 不論成功與否都寫回房間並同步
//
// 有玩家沒有地圖時的錯誤會廣播給房間所有玩家。
func (c *Coordinator) StartGame(ctx context.Context, title, caller string) (*Room, error) {
	defer c.observe(ctx, OpStartGame, time.Now())

	if err := required(OpStartGame, field{"gameName", title}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpStartGame, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if err := checkHosterPreStart(OpStartGame, room, caller); err != nil {
		return nil, err
	}
	if missing := room.MissingMap(); len(missing) > 0 {
		return nil, apperrors.ErrPlayersNotReady.
			WithOp(OpStartGame).
			WithDetails(strings.Join(missing, ", ")).
			Broadcast(room.PlayerNames())
	}

	addr, err := c.dispatcher.PickWorker()
	if err != nil {
		return nil, opError(OpStartGame, err)
	}
	runID, err := c.ids.Next()
	if err != nil {
		return nil, opError(OpStartGame, err)
	}

	conf := BuildGameConf(room, runID, addr)
	startedAt := c.now()
	if err := c.dispatcher.OnServerEnding(addr, runID, room.Title, c.endingHandler(conf, startedAt)); err != nil {
		return nil, opError(OpStartGame, err)
	}
	room.ResponsibleAutohost = addr

	c.logger.InfoContext(ctx, "starting game",
		"room", room.Title,
		"game_id", runID,
		"autohost", addr,
		"participants", len(conf.Team))

	msg, callErr := c.dispatcher.Call(ctx, addr,
		autohost.Command{Action: autohost.ActionStartGame, Parameters: conf},
		autohost.Expect{Success: []string{autohost.ActionServerStarted}},
		c.timeouts.StartGame)
	if callErr == nil {
		room.IsStarted = true
		room.AutohostPort = msg.Params().Port
	}

	if err := c.commit(ctx, OpStartGame, room, true); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, upstreamError(OpStartGame, callErr, apperrors.ErrStartGameRejected)
	}

	c.logger.InfoContext(ctx, "game started", "room", room.Title, "game_id", runID, "port", room.AutohostPort)
	c.notifyStarted(ctx, room, GameRecord{Conf: conf, StartedAt: startedAt})
	return room, nil
}

// endingHandler serverEnding 到達時在獨立 goroutine 中結束遊戲
func (c *Coordinator) endingHandler(conf GameConf, startedAt time.Time) autohost.EndingHandler {
	return func(msg autohost.Message) {
		rec := GameRecord{
			Conf:      conf,
			StartedAt: startedAt,
			EndedAt:   c.now(),
			TeamWin:   msg.Params().TeamWin,
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.endRetry+c.timeouts.StartGame)
		defer cancel()

		if err := c.EndGame(ctx, rec); err != nil {
			c.logger.ErrorContext(ctx, "failed to end game",
				"room", conf.Title,
				"game_id", conf.ID,
				"error", err)
		}
	}
}

// EndGame 引擎結束後重設房間
//
// 與使用者操作不同，這裡沒有呼叫者可以重試，
// 所以取房間鎖時遇到 LOCK_CONTENTION 會以指數退避重試。
func (c *Coordinator) EndGame(ctx context.Context, rec GameRecord) error {
	defer c.observe(ctx, OpEndGame, time.Now())

	title := rec.Conf.Title

	var (
		h       *held
		release = func() {}
	)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = c.endRetry

	err := backoff.Retry(func() error {
		var err error
		h, release, err = c.acquire(ctx, OpEndGame, lockScope{room: title, roomOptional: true})
		if err != nil && !apperrors.IsLockContention(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}
	defer release()

	room := h.room
	if room == nil || room.ID != rec.Conf.RoomID {
		// 所有玩家都已離開（或同名房間已重建）
		c.logger.InfoContext(ctx, "game ended for a room that no longer exists", "room", title, "game_id", rec.Conf.ID)
		placeholder := NewRoom(rec.Conf.RoomID, title, "", rec.Conf.MapID, "", "")
		c.notifyEnded(ctx, placeholder, rec)
		return nil
	}

	room.IsStarted = false
	room.AutohostPort = 0
	if err := c.commit(ctx, OpEndGame, room, true); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "game ended", "room", room.Title, "game_id", rec.Conf.ID, "team_win", rec.TeamWin)
	c.notifyEnded(ctx, room, rec)
	return nil
}

// KillEngine 房主強制結束引擎
func (c *Coordinator) KillEngine(ctx context.Context, title, caller string) (*Room, error) {
	defer c.observe(ctx, OpKillEngine, time.Now())

	if err := required(OpKillEngine, field{"gameName", title}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpKillEngine, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	defer release()

	room := h.room
	if !room.IsHoster(caller) {
		return nil, apperrors.ErrNotHoster.WithOp(OpKillEngine)
	}
	if !room.IsStarted {
		return nil, apperrors.ErrGameNotStarted.WithOp(OpKillEngine)
	}

	gameID, _ := c.dispatcher.GameID(room.ResponsibleAutohost, room.Title)
	_, err = c.dispatcher.Call(ctx, room.ResponsibleAutohost,
		autohost.Command{Action: autohost.ActionKillEngine, Parameters: engineParams{ID: gameID, Title: room.Title}},
		autohost.Expect{
			Success: []string{autohost.ActionKillEngineSent},
			Reject:  []string{autohost.ActionKillEngineRejected},
		},
		c.timeouts.KillEngine)
	if err != nil {
		return nil, upstreamError(OpKillEngine, err, apperrors.ErrKillRejected)
	}

	room.IsStarted = false
	if err := c.commit(ctx, OpKillEngine, room, true); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "engine killed", "room", room.Title, "game_id", gameID)
	return room, nil
}

// MidJoin 玩家加入進行中的遊戲
//
// 房間不會被修改，讀取後立即釋放房間鎖，只把加入請求轉給引擎。
func (c *Coordinator) MidJoin(ctx context.Context, title, caller string) (*Room, error) {
	defer c.observe(ctx, OpMidJoin, time.Now())

	if err := required(OpMidJoin, field{"gameName", title}); err != nil {
		return nil, err
	}

	h, release, err := c.acquire(ctx, OpMidJoin, lockScope{room: title})
	if err != nil {
		return nil, err
	}
	room := h.room
	release()

	p, ok := room.Participants[caller]
	if !ok || p.Kind != KindHuman {
		return nil, apperrors.ErrPlayerNotInRoom.WithOp(OpMidJoin).WithDetails(caller)
	}
	if !room.IsStarted {
		return nil, apperrors.ErrGameNotStarted.WithOp(OpMidJoin)
	}

	gameID, _ := c.dispatcher.GameID(room.ResponsibleAutohost, room.Title)
	teams := NormalizeTeams(room.Participants)

	_, err = c.dispatcher.Call(ctx, room.ResponsibleAutohost,
		autohost.Command{Action: autohost.ActionMidJoin, Parameters: midJoinParams{
			ID:          gameID,
			Title:       room.Title,
			PlayerName:  caller,
			Team:        teams[p.Team],
			IsSpectator: p.IsSpectator,
			Token:       room.EngineToken,
		}},
		autohost.Expect{
			Success: []string{autohost.ActionMidJoined},
			Reject:  []string{autohost.ActionJoinRejected},
		},
		c.timeouts.MidJoin)
	if err != nil {
		return nil, upstreamError(OpMidJoin, err, apperrors.ErrMidJoinRejected)
	}

	c.logger.InfoContext(ctx, "player mid-joined", "room", room.Title, "player", caller)
	return room, nil
}

// upstreamError worker 拒絕時換成該操作專屬的錯誤
func upstreamError(op string, err error, rejected *apperrors.AppError) error {
	if !apperrors.IsRejected(err) {
		return opError(op, err)
	}
	out := rejected.WithOp(op).WithCause(err)
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Details != "" {
		out = out.WithDetails(appErr.Details)
	}
	return out
}
