package lobby_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoom_JSON 測試儲存格式維持 players / ais / chickens 三個 map
func TestRoom_JSON(t *testing.T) {
	room := lobby.NewRoom(7, "arena1", "alice", 5, "secret", "tok")
	room.Participants["alice"] = lobby.Participant{Kind: lobby.KindHuman, Team: "A", HasMap: true}
	room.Participants["bob"] = lobby.Participant{Kind: lobby.KindHuman, Team: "B", IsSpectator: true}
	room.Participants["bot1"] = lobby.Participant{Kind: lobby.KindAI, Team: "B"}
	room.Participants["chick"] = lobby.Participant{Kind: lobby.KindChicken, Team: "C"}
	room.AIHosters = []string{"alice"}

	data, err := json.Marshal(room)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": 7,
		"title": "arena1",
		"hoster": "alice",
		"mapId": 5,
		"mod": "",
		"password": "secret",
		"isStarted": false,
		"responsibleAutohost": "",
		"autohostPort": 0,
		"engineToken": "tok",
		"players": {
			"alice": {"team": "A", "isSpectator": false, "hasmap": true},
			"bob":   {"team": "B", "isSpectator": true, "hasmap": false}
		},
		"ais": {"bot1": {"team": "B"}},
		"chickens": {"chick": {"team": "C"}},
		"polls": {},
		"aiHosters": ["alice"],
		"notes": ""
	}`, string(data))

	var decoded lobby.Room
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, room, &decoded)
}

// TestRoom_Helpers 測試房間查詢
func TestRoom_Helpers(t *testing.T) {
	room := lobby.NewRoom(1, "arena1", "bob", 5, "secret", "tok")
	room.Participants["bob"] = lobby.Participant{Kind: lobby.KindHuman, Team: "A", HasMap: true}
	room.Participants["alice"] = lobby.Participant{Kind: lobby.KindHuman, Team: "A"}
	room.Participants["carol"] = lobby.Participant{Kind: lobby.KindHuman, Team: "A", IsSpectator: true}
	room.Participants["bot1"] = lobby.Participant{Kind: lobby.KindAI, Team: "B"}

	assert.Equal(t, []string{"alice", "bob", "carol"}, room.PlayerNames())
	assert.Equal(t, []string{"alice"}, room.MissingMap())
	assert.True(t, room.HasPlayer("alice"))
	assert.False(t, room.HasPlayer("bot1"))
	assert.True(t, room.IsHoster("bob"))
	assert.False(t, room.Empty())
	assert.Len(t, room.Players(), 3)

	clone := room.Clone()
	clone.Participants["dave"] = lobby.Participant{Kind: lobby.KindHuman}
	clone.AIHosters = append(clone.AIHosters, "bob")
	assert.NotContains(t, room.Participants, "dave")
	assert.Empty(t, room.AIHosters)

	view := room.View()
	assert.Empty(t, view.Password)
	assert.Equal(t, "secret", room.Password)

	empty := lobby.NewRoom(2, "arena2", "", 1, "", "")
	empty.Participants["bot1"] = lobby.Participant{Kind: lobby.KindAI}
	assert.True(t, empty.Empty())
}

// TestUserState_View 測試玩家快取推送時隱藏房間密碼
func TestUserState_View(t *testing.T) {
	room := lobby.NewRoom(1, "arena1", "alice", 5, "secret", "tok")
	user := &lobby.UserState{Username: "alice", Game: room}

	view := user.View()
	assert.Empty(t, view.Game.Password)
	assert.Equal(t, "secret", user.Game.Password)

	assert.Nil(t, (&lobby.UserState{Username: "bob"}).View().Game)
}
