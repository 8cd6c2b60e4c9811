package lobby_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/koopa0/system-design/14-game-lobby/internal/testutils"
	"github.com/koopa0/system-design/14-game-lobby/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorker = "10.0.0.1"

// recorder 記錄遊戲事件
type recorder struct {
	mu         sync.Mutex
	started    []lobby.GameRecord
	ended      []lobby.GameRecord
	endedRooms []*lobby.Room
}

func (r *recorder) GameStarted(_ context.Context, _ *lobby.Room, rec lobby.GameRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rec)
}

func (r *recorder) GameEnded(_ context.Context, room *lobby.Room, rec lobby.GameRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, rec)
	r.endedRooms = append(r.endedRooms, room)
}

func (r *recorder) Started() []lobby.GameRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lobby.GameRecord(nil), r.started...)
}

func (r *recorder) Ended() []lobby.GameRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lobby.GameRecord(nil), r.ended...)
}

type fixture struct {
	mem    *kv.MemoryStore
	auto   *testutils.FakeAutohost
	events *recorder
	coord  *lobby.Coordinator
}

// newFixture 以記憶體儲存創建協調器；wrap 可包裝 store（gate / 注入錯誤）
func newFixture(t *testing.T, wrap func(kv.Store) kv.Store, opts ...lobby.Option) *fixture {
	t.Helper()

	mem := kv.NewMemoryStore(time.Minute)
	var store kv.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	f := &fixture{
		mem:    mem,
		auto:   testutils.NewFakeAutohost(testWorker),
		events: &recorder{},
	}
	opts = append([]lobby.Option{lobby.WithListener(f.events)}, opts...)
	f.coord = lobby.NewCoordinator(store, f.auto, &testutils.SequenceIDs{}, logger.Discard(), opts...)
	return f
}

// login 寫入玩家快取（相當於 LOGIN）
func (f *fixture) login(t *testing.T, names ...string) {
	t.Helper()
	for i, name := range names {
		_, err := f.mem.Set(context.Background(), kv.UserStateKey(name), lobby.UserState{
			ID:       int64(100 + i),
			Username: name,
		}, kv.SetOptions{})
		require.NoError(t, err)
	}
}

// join 登入並依序加入房間
func (f *fixture) join(t *testing.T, title string, mapID int, names ...string) *lobby.Room {
	t.Helper()
	f.login(t, names...)

	var room *lobby.Room
	for _, name := range names {
		var err error
		room, err = f.coord.JoinGame(context.Background(), lobby.JoinRequest{Title: title, MapID: mapID}, name)
		require.NoError(t, err)
	}
	return room
}

func (f *fixture) room(t *testing.T, title string) *lobby.Room {
	t.Helper()
	var room lobby.Room
	ok, err := f.mem.Get(context.Background(), kv.RoomKey(title), &room)
	require.NoError(t, err)
	require.True(t, ok, "room %s should exist", title)
	return &room
}

func (f *fixture) roomExists(t *testing.T, title string) bool {
	t.Helper()
	ok, err := f.mem.Exists(context.Background(), kv.RoomKey(title))
	require.NoError(t, err)
	return ok
}

func (f *fixture) user(t *testing.T, name string) *lobby.UserState {
	t.Helper()
	var user lobby.UserState
	ok, err := f.mem.Get(context.Background(), kv.UserStateKey(name), &user)
	require.NoError(t, err)
	require.True(t, ok, "user state %s should exist", name)
	return &user
}

// markStarted 直接把房間標為已開始
func (f *fixture) markStarted(t *testing.T, title string) {
	t.Helper()
	room := f.room(t, title)
	room.IsStarted = true
	room.ResponsibleAutohost = testWorker
	_, err := f.mem.Set(context.Background(), kv.RoomKey(title), room, kv.SetOptions{})
	require.NoError(t, err)
}

// assertNoLocks 所有鎖都已釋放
func (f *fixture) assertNoLocks(t *testing.T) {
	t.Helper()
	for _, key := range f.mem.Keys() {
		assert.False(t, strings.HasPrefix(key, "lock:"), "lock %s still held", key)
	}
}
