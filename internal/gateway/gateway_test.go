package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-game-lobby/internal/autohost"
	"github.com/koopa0/system-design/14-game-lobby/internal/clients"
	"github.com/koopa0/system-design/14-game-lobby/internal/gateway"
	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/koopa0/system-design/14-game-lobby/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
	"github.com/koopa0/system-design/14-game-lobby/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWorker = "10.0.0.1"
	readWait   = 2 * time.Second
)

// fakeUsers 帳號資料
type fakeUsers map[string]*lobby.UserState

func (f fakeUsers) Load(_ context.Context, username string) (*lobby.UserState, error) {
	u, ok := f[username]
	if !ok {
		return nil, apperrors.ErrPlayerNotFound.WithDetails(username)
	}
	c := *u
	return &c, nil
}

type noWorkers struct{}

func (noWorkers) Workers() []autohost.WorkerInfo { return nil }

type fixture struct {
	mem    *kv.MemoryStore
	auto   *testutils.FakeAutohost
	coord  *lobby.Coordinator
	tokens *gateway.Tokens
	gw     *gateway.Gateway
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts ...gateway.Option) *fixture {
	t.Helper()

	f := &fixture{
		mem:    kv.NewMemoryStore(time.Minute),
		auto:   testutils.NewFakeAutohost(testWorker),
		tokens: gateway.NewTokens("test-secret", "lobby", time.Hour),
	}
	f.coord = lobby.NewCoordinator(f.mem, f.auto, &testutils.SequenceIDs{}, logger.Discard())

	users := fakeUsers{
		"alice":   {ID: 1, Username: "alice"},
		"bob":     {ID: 2, Username: "bob"},
		"mallory": {ID: 3, Username: "mallory", Blocked: true},
	}
	f.gw = gateway.New(f.coord, f.mem, users, f.tokens, clients.NewRegistry(logger.Discard()), noWorkers{}, logger.Discard(), opts...)
	f.coord.AddListener(f.gw)

	mux := http.NewServeMux()
	f.gw.Routes(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.srv.Close()
		f.gw.Close()
	})
	return f
}

// message 客戶端收到的消息（成功或錯誤）
type message struct {
	Status string             `json:"status"`
	Action string             `json:"action"`
	Path   string             `json:"path"`
	State  json.RawMessage    `json:"state"`
	Error  *gateway.ErrorBody `json:"error"`
	Seq    int64              `json:"seq"`
}

type client struct {
	t   *testing.T
	ws  *websocket.Conn
	seq int64
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

// login 連線並登入
func (f *fixture) login(t *testing.T, username string) *client {
	t.Helper()
	c := f.dial(t)
	token, err := f.tokens.Generate(username, time.Now())
	require.NoError(t, err)
	resp := c.call(gateway.ActionLogin, map[string]any{"token": token})
	require.Equal(t, "success", resp.Status, "login %s: %+v", username, resp.Error)
	return c
}

func (c *client) send(action string, params any) int64 {
	c.t.Helper()
	c.seq++
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(gateway.Request{Action: action, Parameters: raw, Seq: c.seq}))
	return c.seq
}

func (c *client) read() message {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(readWait)))
	var msg message
	require.NoError(c.t, c.ws.ReadJSON(&msg))
	return msg
}

// call 送出請求並等待對應 seq 的回應（略過期間收到的推送）
func (c *client) call(action string, params any) message {
	c.t.Helper()
	seq := c.send(action, params)
	for {
		msg := c.read()
		if msg.Seq == seq {
			return msg
		}
	}
}

// push 等待下一個推送
func (c *client) push() message {
	c.t.Helper()
	for {
		msg := c.read()
		if msg.Seq == -1 {
			return msg
		}
	}
}

func TestGateway_Ping(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	resp := c.call(gateway.ActionPing, nil)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, gateway.ActionPong, resp.Action)
}

func TestGateway_Login(t *testing.T) {
	f := newFixture(t)

	t.Run("valid token", func(t *testing.T) {
		c := f.dial(t)
		token, err := f.tokens.Generate("alice", time.Now())
		require.NoError(t, err)

		resp := c.call(gateway.ActionLogin, map[string]any{"token": token})
		require.Equal(t, "success", resp.Status)
		assert.Equal(t, "user", resp.Path)

		var state lobby.UserState
		require.NoError(t, json.Unmarshal(resp.State, &state))
		assert.Equal(t, "alice", state.Username)
		assert.Equal(t, int64(1), state.ID)

		testutils.WaitForCondition(t, func() bool {
			ok, _ := f.mem.Exists(context.Background(), kv.UserStateKey("alice"))
			return ok
		}, time.Second, "userState should be written")
		ok, err := f.mem.Exists(context.Background(), kv.UserSessionKey("1"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	tests := []struct {
		name    string
		token   func() string
		code    string
		message string
	}{
		{
			name:    "invalid token",
			token:   func() string { return "not-a-token" },
			code:    apperrors.ErrCodeUnauthorized,
			message: "invalid token",
		},
		{
			name: "foreign secret",
			token: func() string {
				tok, _ := gateway.NewTokens("other", "lobby", time.Hour).Generate("alice", time.Now())
				return tok
			},
			code:    apperrors.ErrCodeUnauthorized,
			message: "invalid token",
		},
		{
			name: "blocked account",
			token: func() string {
				tok, _ := f.tokens.Generate("mallory", time.Now())
				return tok
			},
			code:    apperrors.ErrCodeUnauthorized,
			message: "account blocked",
		},
		{
			name: "unknown account",
			token: func() string {
				tok, _ := f.tokens.Generate("ghost", time.Now())
				return tok
			},
			code:    apperrors.ErrCodeNotFound,
			message: "player not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := f.dial(t)
			resp := c.call(gateway.ActionLogin, map[string]any{"token": tt.token()})
			require.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
			assert.Equal(t, gateway.ActionLogin, resp.Error.Op)
		})
	}
}

func TestGateway_RequestErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("not logged in", func(t *testing.T) {
		c := f.dial(t)
		resp := c.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5})
		require.Equal(t, "error", resp.Status)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, resp.Error.Code)
		assert.Equal(t, lobby.OpJoinGame, resp.Error.Op)
	})

	t.Run("unknown action", func(t *testing.T) {
		c := f.login(t, "alice")
		resp := c.call("FLY", nil)
		require.Equal(t, "error", resp.Status)
		assert.Equal(t, apperrors.ErrCodeValidation, resp.Error.Code)
		assert.Equal(t, "FLY", resp.Error.Details)
	})

	t.Run("missing parameter is rejected before any lock", func(t *testing.T) {
		c := f.login(t, "bob")
		resp := c.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1"})
		require.Equal(t, "error", resp.Status)
		assert.Equal(t, apperrors.ErrCodeValidation, resp.Error.Code)
		assert.Contains(t, resp.Error.Details, "mapId: required")

		ok, err := f.mem.Exists(context.Background(), kv.RoomKey("arena1"))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = f.mem.Exists(context.Background(), kv.RoomLockKey("arena1"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid ai type", func(t *testing.T) {
		c := f.login(t, "alice")
		resp := c.call(lobby.OpSetAI, map[string]any{"gameName": "arena1", "ai": "bot1", "type": "Robot", "team": "B"})
		require.Equal(t, "error", resp.Status)
		assert.Contains(t, resp.Error.Details, "type: oneof")
	})
}

func TestGateway_RoomFlow(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	resp := alice.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5})
	require.Equal(t, "success", resp.Status, "%+v", resp.Error)
	assert.Equal(t, "user.game", resp.Path)

	var room lobby.Room
	require.NoError(t, json.Unmarshal(resp.State, &room))
	assert.Equal(t, "alice", room.Hoster)
	assert.Empty(t, room.Password)

	// bob 加入，alice 收到只含 bob 的推送
	resp = bob.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5})
	require.Equal(t, "success", resp.Status, "%+v", resp.Error)

	push := alice.push()
	assert.Equal(t, lobby.OpJoinGame, push.Action)
	assert.Equal(t, "user.game.players.bob", push.Path)
	var joined lobby.PlayerInfo
	require.NoError(t, json.Unmarshal(push.State, &joined))
	assert.Equal(t, lobby.DefaultTeam, joined.Team)

	t.Run("set team is pushed to the room", func(t *testing.T) {
		resp := alice.call(lobby.OpSetTeam, map[string]any{"gameName": "arena1", "player": "bob", "team": "B"})
		require.Equal(t, "success", resp.Status, "%+v", resp.Error)
		assert.Equal(t, "user.game.players", resp.Path)

		push := bob.push()
		assert.Equal(t, "user.game.players", push.Path)
		var players map[string]lobby.PlayerInfo
		require.NoError(t, json.Unmarshal(push.State, &players))
		assert.Equal(t, "B", players["bob"].Team)
	})

	t.Run("start without maps fails for the whole room", func(t *testing.T) {
		resp := alice.call(lobby.OpStartGame, map[string]any{"gameName": "arena1"})
		require.Equal(t, "error", resp.Status)
		assert.Equal(t, apperrors.ErrCodeStateConflict, resp.Error.Code)
		assert.Equal(t, "alice, bob", resp.Error.Details)

		push := bob.push()
		assert.Equal(t, "error", push.Status)
		assert.Equal(t, lobby.OpStartGame, push.Action)
		assert.Equal(t, resp.Error.Code, push.Error.Code)
	})

	t.Run("not hoster", func(t *testing.T) {
		resp := bob.call(lobby.OpSetMap, map[string]any{"gameName": "arena1", "mapId": 9})
		require.Equal(t, "error", resp.Status)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, resp.Error.Code)
	})

	t.Run("start and end", func(t *testing.T) {
		for _, c := range []*client{alice, bob} {
			resp := c.call(lobby.OpHasMap, map[string]any{"gameName": "arena1", "mapId": 5})
			require.Equal(t, "success", resp.Status, "%+v", resp.Error)
		}

		resp := alice.call(lobby.OpStartGame, map[string]any{"gameName": "arena1"})
		require.Equal(t, "success", resp.Status, "%+v", resp.Error)
		var started lobby.Room
		require.NoError(t, json.Unmarshal(resp.State, &started))
		assert.True(t, started.IsStarted)
		assert.Equal(t, 8452, started.AutohostPort)

		push := bob.push()
		for push.Action != lobby.OpStartGame {
			push = bob.push()
		}
		assert.Equal(t, "user.game", push.Path)

		gameID, ok := f.auto.GameID(testWorker, "arena1")
		require.True(t, ok)
		require.True(t, f.auto.EndGame(gameID, 1))

		ended := bob.push()
		assert.Equal(t, gateway.ActionGameEnded, ended.Action)
		var state struct {
			Game    lobby.Room `json:"game"`
			GameID  int64      `json:"gameId"`
			TeamWin int        `json:"teamWin"`
		}
		require.NoError(t, json.Unmarshal(ended.State, &state))
		assert.Equal(t, gameID, state.GameID)
		assert.Equal(t, 1, state.TeamWin)
		assert.False(t, state.Game.IsStarted)
	})

	t.Run("leave", func(t *testing.T) {
		resp := bob.call(lobby.OpLeaveGame, map[string]any{"gameName": "arena1"})
		require.Equal(t, "success", resp.Status, "%+v", resp.Error)
		assert.Equal(t, "user", resp.Path)
		var user lobby.UserState
		require.NoError(t, json.Unmarshal(resp.State, &user))
		assert.Nil(t, user.Game)

		push := alice.push()
		for push.Action != lobby.OpLeaveGame {
			push = alice.push()
		}
		var players map[string]lobby.PlayerInfo
		require.NoError(t, json.Unmarshal(push.State, &players))
		assert.NotContains(t, players, "bob")
	})
}

func TestGateway_DisconnectCleanup(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	require.Equal(t, "success", alice.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5}).Status)
	require.Equal(t, "success", bob.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5}).Status)

	require.NoError(t, bob.ws.Close())

	ctx := context.Background()
	testutils.WaitForCondition(t, func() bool {
		ok, _ := f.mem.Exists(ctx, kv.UserStateKey("bob"))
		return !ok
	}, 2*time.Second, "bob's userState should be removed")

	ok, err := f.mem.Exists(ctx, kv.UserSessionKey("2"))
	require.NoError(t, err)
	assert.False(t, ok)

	room, err := f.coord.GetRoom(ctx, "arena1")
	require.NoError(t, err)
	assert.False(t, room.HasPlayer("bob"))

	push := alice.push()
	for push.Action != lobby.OpLeaveGame {
		push = alice.push()
	}
	assert.Equal(t, "user.game.players", push.Path)
}

func TestGateway_DisconnectRetriesLockContention(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	require.Equal(t, "success", alice.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5}).Status)
	require.Equal(t, "success", bob.call(lobby.OpJoinGame, map[string]any{"gameName": "arena1", "mapId": 5}).Status)

	// 斷線時房間鎖被佔用
	ctx := context.Background()
	held, err := f.mem.Lock(ctx, kv.RoomLockKey("arena1"))
	require.NoError(t, err)
	time.AfterFunc(300*time.Millisecond, func() { _ = held.Release(ctx) })

	require.NoError(t, bob.ws.Close())

	testutils.WaitForCondition(t, func() bool {
		ok, _ := f.mem.Exists(ctx, kv.UserStateKey("bob"))
		return !ok
	}, 3*time.Second, "bob's userState should be removed")

	room, err := f.coord.GetRoom(ctx, "arena1")
	require.NoError(t, err)
	assert.False(t, room.HasPlayer("bob"), "bob must not stay in the room")
	assert.Equal(t, []string{"alice"}, room.PlayerNames())

	push := alice.push()
	for push.Action != lobby.OpLeaveGame {
		push = alice.push()
	}
	assert.Equal(t, "user.game.players", push.Path)
}

func TestGateway_ReloginReplacesConnection(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, "alice")
	second := f.login(t, "alice")

	// 舊連接被關閉
	require.NoError(t, first.ws.SetReadDeadline(time.Now().Add(readWait)))
	for {
		if _, _, err := first.ws.ReadMessage(); err != nil {
			break
		}
	}

	// 新 session 的 userState 不受舊連接斷線影響
	time.Sleep(50 * time.Millisecond)
	ok, err := f.mem.Exists(context.Background(), kv.UserStateKey("alice"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "success", second.call(gateway.ActionPing, nil).Status)
}

func TestGateway_HealthAndStats(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, gateway.WithHealthCheck("redis", func(context.Context) error { return nil }))
		resp, err := http.Get(f.srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "ok", body.Checks["redis"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		f := newFixture(t, gateway.WithHealthCheck("nats", func(context.Context) error { return errors.New("disconnected") }))
		resp, err := http.Get(f.srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("stats", func(t *testing.T) {
		f := newFixture(t)
		f.login(t, "alice")

		resp, err := http.Get(f.srv.URL + "/stats")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body struct {
			Connections int `json:"connections"`
			Clients     int `json:"clients"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 1, body.Connections)
		assert.Equal(t, 1, body.Clients)
	})
}
