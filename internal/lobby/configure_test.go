package lobby_test

import (
	"context"
	"errors"
	"testing"

	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/koopa0/system-design/14-game-lobby/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hosterOps 房主限定的設定操作
func hosterOps() []struct {
	name string
	call func(ctx context.Context, c *lobby.Coordinator, caller string) error
} {
	return []struct {
		name string
		call func(ctx context.Context, c *lobby.Coordinator, caller string) error
	}{
		{"setTeam", func(ctx context.Context, c *lobby.Coordinator, caller string) error {
			_, err := c.SetTeam(ctx, "arena1", "bob", "B", caller)
			return err
		}},
		{"setMap", func(ctx context.Context, c *lobby.Coordinator, caller string) error {
			_, err := c.SetMap(ctx, "arena1", 7, caller)
			return err
		}},
		{"setMod", func(ctx context.Context, c *lobby.Coordinator, caller string) error {
			_, err := c.SetMod(ctx, "arena1", "ba-1.0", caller)
			return err
		}},
		{"setAi", func(ctx context.Context, c *lobby.Coordinator, caller string) error {
			_, err := c.SetAI(ctx, "arena1", "bot1", lobby.KindAI, "B", caller)
			return err
		}},
		{"delAI", func(ctx context.Context, c *lobby.Coordinator, caller string) error {
			_, err := c.DelAI(ctx, "arena1", "bot1", caller)
			return err
		}},
		{"setSpectator", func(ctx context.Context, c *lobby.Coordinator, caller string) error {
			_, err := c.SetSpectator(ctx, "arena1", "bob", caller)
			return err
		}},
	}
}

// TestCoordinator_HosterOnly 測試房主權限與開始後凍結
func TestCoordinator_HosterOnly(t *testing.T) {
	ctx := context.Background()

	for _, op := range hosterOps() {
		t.Run(op.name+"/non-hoster", func(t *testing.T) {
			f := newFixture(t, nil)
			f.join(t, "arena1", 5, "alice", "bob")
			before := f.room(t, "arena1")

			err := op.call(ctx, f.coord, "bob")
			require.Error(t, err)
			assert.True(t, apperrors.IsUnauthorized(err), "got %v", err)
			assert.Equal(t, before, f.room(t, "arena1"), "room must not change")
			f.assertNoLocks(t)
		})

		t.Run(op.name+"/started", func(t *testing.T) {
			f := newFixture(t, nil)
			f.join(t, "arena1", 5, "alice", "bob")
			f.markStarted(t, "arena1")

			for _, caller := range []string{"alice", "bob", "carol"} {
				err := op.call(ctx, f.coord, caller)
				require.Error(t, err)
				assert.True(t, apperrors.IsStateConflict(err), "%s: got %v", caller, err)
			}
			f.assertNoLocks(t)
		})
	}
}

// TestCoordinator_BlankTitle 空白房間標題在取鎖前被拒絕
func TestCoordinator_BlankTitle(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(c *lobby.Coordinator, title string) error
	}{
		{"setMap", func(c *lobby.Coordinator, title string) error {
			_, err := c.SetMap(ctx, title, 7, "alice")
			return err
		}},
		{"hasmap", func(c *lobby.Coordinator, title string) error {
			_, err := c.HasMap(ctx, title, 7, "alice")
			return err
		}},
		{"startGame", func(c *lobby.Coordinator, title string) error {
			_, err := c.StartGame(ctx, title, "alice")
			return err
		}},
		{"killEngine", func(c *lobby.Coordinator, title string) error {
			_, err := c.KillEngine(ctx, title, "alice")
			return err
		}},
		{"midJoin", func(c *lobby.Coordinator, title string) error {
			_, err := c.MidJoin(ctx, title, "alice")
			return err
		}},
		{"leaveGame", func(c *lobby.Coordinator, title string) error {
			_, _, err := c.LeaveGame(ctx, title, "alice")
			return err
		}},
		{"setTeam", func(c *lobby.Coordinator, title string) error {
			_, err := c.SetTeam(ctx, title, "bob", "B", "alice")
			return err
		}},
		{"setMod", func(c *lobby.Coordinator, title string) error {
			_, err := c.SetMod(ctx, title, "ba-1.0", "alice")
			return err
		}},
		{"setAi", func(c *lobby.Coordinator, title string) error {
			_, err := c.SetAI(ctx, title, "bot1", lobby.KindAI, "B", "alice")
			return err
		}},
		{"delAI", func(c *lobby.Coordinator, title string) error {
			_, err := c.DelAI(ctx, title, "bot1", "alice")
			return err
		}},
		{"setSpectator", func(c *lobby.Coordinator, title string) error {
			_, err := c.SetSpectator(ctx, title, "bob", "alice")
			return err
		}},
	}

	for _, tt := range tests {
		for _, title := range []string{"", "   "} {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t, nil)
				f.login(t, "alice", "bob")

				var err error
				require.NotPanics(t, func() { err = tt.call(f.coord, title) })
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err), "got %v", err)

				var appErr *apperrors.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, "gameName is required", appErr.Details)
				f.assertNoLocks(t)
				assert.False(t, f.roomExists(t, title))
				assert.Empty(t, f.auto.Calls())
			})
		}
	}
}

// TestCoordinator_RequiredOrder 多個欄位空白時回報第一個
func TestCoordinator_RequiredOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "arena1", 5, "alice", "bob")

	tests := []struct {
		name    string
		call    func() error
		details string
	}{
		{"all blank", func() error {
			_, err := f.coord.SetTeam(context.Background(), "", "", "", "alice")
			return err
		}, "gameName is required"},
		{"player and team blank", func() error {
			_, err := f.coord.SetTeam(context.Background(), "arena1", "", "", "alice")
			return err
		}, "player is required"},
		{"ai and team blank", func() error {
			_, err := f.coord.SetAI(context.Background(), "arena1", "", lobby.KindAI, "", "alice")
			return err
		}, "ai is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				var appErr *apperrors.AppError
				require.True(t, errors.As(tt.call(), &appErr))
				require.Equal(t, tt.details, appErr.Details)
			}
		})
	}
}

// TestCoordinator_SetTeam 測試換隊
func TestCoordinator_SetTeam(t *testing.T) {
	ctx := context.Background()

	t.Run("updates team and synchronizes", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice", "bob")

		players, err := f.coord.SetTeam(ctx, "arena1", "bob", "B", "alice")
		require.NoError(t, err)
		assert.Equal(t, "B", players["bob"].Team)
		assert.Equal(t, "A", players["alice"].Team)

		for _, name := range []string{"alice", "bob"} {
			assert.Equal(t, "B", f.user(t, name).Game.Participants["bob"].Team)
		}
	})

	t.Run("target not in room", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice")

		_, err := f.coord.SetTeam(ctx, "arena1", "carol", "B", "alice")
		assert.True(t, errors.Is(err, apperrors.ErrPlayerNotInRoom))
		f.assertNoLocks(t)
	})

	t.Run("missing fields", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.coord.SetTeam(ctx, "arena1", "bob", "", "alice")
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("room not found", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.coord.SetTeam(ctx, "nowhere", "bob", "B", "alice")
		assert.True(t, errors.Is(err, apperrors.ErrRoomNotFound))
		f.assertNoLocks(t)
	})
}

// TestCoordinator_ConcurrentSetTeam 測試同一房間的兩個 setTeam 恰好一個成功
func TestCoordinator_ConcurrentSetTeam(t *testing.T) {
	ctx := context.Background()

	var gated *testutils.GatedStore
	f := newFixture(t, func(s kv.Store) kv.Store {
		gated = testutils.NewGatedStore(s, kv.RoomKey("arena1"))
		return gated
	})
	f.join(t, "arena1", 5, "alice", "bob")

	gated.Arm()
	first := make(chan error, 1)
	go func() {
		_, err := f.coord.SetTeam(ctx, "arena1", "bob", "B", "alice")
		first <- err
	}()

	// 第一個呼叫持有房間鎖並停在讀取房間
	<-gated.Entered()
	_, second := f.coord.SetTeam(ctx, "arena1", "bob", "C", "alice")
	gated.Release()

	require.NoError(t, <-first)
	require.Error(t, second)
	assert.True(t, apperrors.IsLockContention(second))

	assert.Equal(t, "B", f.room(t, "arena1").Participants["bob"].Team)
	f.assertNoLocks(t)
}

// TestCoordinator_SetMap 測試換地圖
func TestCoordinator_SetMap(t *testing.T) {
	ctx := context.Background()

	t.Run("new map resets hasmap", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice", "bob")
		for _, name := range []string{"alice", "bob"} {
			_, err := f.coord.HasMap(ctx, "arena1", 5, name)
			require.NoError(t, err)
		}

		room, err := f.coord.SetMap(ctx, "arena1", 7, "alice")
		require.NoError(t, err)
		assert.Equal(t, 7, room.MapID)
		assert.Equal(t, []string{"alice", "bob"}, room.MissingMap())
		assert.Equal(t, 7, f.user(t, "bob").Game.MapID)
	})

	t.Run("same map keeps hasmap", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice")
		_, err := f.coord.HasMap(ctx, "arena1", 5, "alice")
		require.NoError(t, err)

		room, err := f.coord.SetMap(ctx, "arena1", 5, "alice")
		require.NoError(t, err)
		assert.Empty(t, room.MissingMap())
	})
}

// TestCoordinator_SetMod 測試換 mod 不同步玩家快取
func TestCoordinator_SetMod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.join(t, "arena1", 5, "alice", "bob")

	room, err := f.coord.SetMod(ctx, "arena1", "ba-1.0", "alice")
	require.NoError(t, err)
	assert.Equal(t, "ba-1.0", room.Mod)
	assert.Equal(t, "ba-1.0", f.room(t, "arena1").Mod)
	assert.Empty(t, f.user(t, "bob").Game.Mod)

	_, err = f.coord.SetMod(ctx, "arena1", "", "alice")
	assert.True(t, apperrors.IsValidation(err))
}

// TestCoordinator_SetAI 測試新增與移除機器人
func TestCoordinator_SetAI(t *testing.T) {
	ctx := context.Background()

	t.Run("ai adds hoster to aiHosters", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice", "bob")

		room, err := f.coord.SetAI(ctx, "arena1", "bot1", lobby.KindAI, "B", "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, room.AIHosters)
		assert.Equal(t, lobby.Participant{Kind: lobby.KindAI, Team: "B"}, room.Participants["bot1"])

		room, err = f.coord.SetAI(ctx, "arena1", "chick", lobby.KindChicken, "C", "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, room.AIHosters)
		assert.Equal(t, lobby.KindChicken, room.Participants["chick"].Kind)

		assert.Contains(t, f.user(t, "bob").Game.Participants, "chick")
	})

	t.Run("update existing bot", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice")
		_, err := f.coord.SetAI(ctx, "arena1", "bot1", lobby.KindAI, "B", "alice")
		require.NoError(t, err)

		room, err := f.coord.SetAI(ctx, "arena1", "bot1", lobby.KindAI, "C", "alice")
		require.NoError(t, err)
		assert.Equal(t, "C", room.Participants["bot1"].Team)
	})

	t.Run("player name rejected", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice", "bob")

		_, err := f.coord.SetAI(ctx, "arena1", "bob", lobby.KindAI, "B", "alice")
		assert.True(t, apperrors.IsStateConflict(err))
		assert.True(t, f.room(t, "arena1").HasPlayer("bob"))
	})

	t.Run("invalid kind", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.coord.SetAI(ctx, "arena1", "bot1", lobby.KindHuman, "B", "alice")
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("delete last ai clears aiHosters", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice")
		_, err := f.coord.SetAI(ctx, "arena1", "bot1", lobby.KindAI, "B", "alice")
		require.NoError(t, err)
		_, err = f.coord.SetAI(ctx, "arena1", "chick", lobby.KindChicken, "B", "alice")
		require.NoError(t, err)

		room, err := f.coord.DelAI(ctx, "arena1", "bot1", "alice")
		require.NoError(t, err)
		assert.NotContains(t, room.Participants, "bot1")
		assert.Empty(t, room.AIHosters)
		assert.Contains(t, room.Participants, "chick")
	})

	t.Run("delete missing bot", func(t *testing.T) {
		f := newFixture(t, nil)
		f.join(t, "arena1", 5, "alice", "bob")

		_, err := f.coord.DelAI(ctx, "arena1", "ghost", "alice")
		assert.True(t, errors.Is(err, apperrors.ErrAINotFound))

		_, err = f.coord.DelAI(ctx, "arena1", "bob", "alice")
		assert.True(t, errors.Is(err, apperrors.ErrAINotFound), "players cannot be removed with delAI")
		f.assertNoLocks(t)
	})
}

// TestParseKind 測試機器人類型解析
func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    lobby.Kind
		wantErr bool
	}{
		{"AI", lobby.KindAI, false},
		{"ai", lobby.KindAI, false},
		{"Chicken", lobby.KindChicken, false},
		{"human", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := lobby.ParseKind(tt.in)
			if tt.wantErr {
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestCoordinator_HasMap 測試回報地圖
func TestCoordinator_HasMap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.join(t, "arena1", 5, "alice", "bob")

	players, err := f.coord.HasMap(ctx, "arena1", 5, "bob")
	require.NoError(t, err)
	assert.True(t, players["bob"].HasMap)
	assert.False(t, players["alice"].HasMap)
	assert.True(t, f.user(t, "alice").Game.Participants["bob"].HasMap)

	_, err = f.coord.HasMap(ctx, "arena1", 6, "alice")
	assert.True(t, errors.Is(err, apperrors.ErrMapMismatch))
	assert.True(t, apperrors.IsStateConflict(err))
	assert.False(t, f.room(t, "arena1").Participants["alice"].HasMap)

	f.login(t, "carol")
	_, err = f.coord.HasMap(ctx, "arena1", 5, "carol")
	assert.True(t, errors.Is(err, apperrors.ErrPlayerNotInRoom))
	f.assertNoLocks(t)
}

// TestCoordinator_SetSpectator 測試設為觀戰
func TestCoordinator_SetSpectator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.join(t, "arena1", 5, "alice", "bob")

	players, err := f.coord.SetSpectator(ctx, "arena1", "bob", "alice")
	require.NoError(t, err)
	assert.True(t, players["bob"].IsSpectator)
	assert.True(t, f.user(t, "bob").Game.Participants["bob"].IsSpectator)

	_, err = f.coord.SetSpectator(ctx, "arena1", "carol", "alice")
	assert.True(t, errors.Is(err, apperrors.ErrPlayerNotInRoom))
}
