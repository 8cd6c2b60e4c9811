package lobby

import "sort"

// TeamSlot 引擎配置中的單一參與者
type TeamSlot struct {
	Index       int  `json:"index"`
	IsAI        bool `json:"isAI"`
	IsChicken   bool `json:"isChicken"`
	IsSpectator bool `json:"isSpectator"`
	Team        int  `json:"team"`
}

// GameConf 送給 autohost 的引擎配置
//
// 只在 startGame 時建立，不寫入 KV。
type GameConf struct {
	ID         int64               `json:"id"`
	RoomID     int64               `json:"roomId"`
	Title      string              `json:"title"`
	Mgr        string              `json:"mgr"`
	AIHosters  []int               `json:"aiHosters"`
	MapID      int                 `json:"mapId"`
	Mod        string              `json:"mod"`
	ModOptions map[string]any      `json:"modoptions"`
	Team       map[string]TeamSlot `json:"team"`
}

// BuildGameConf 由房間建立引擎配置
//
// 純函數：
//   - 參與者順序：玩家、AI、中立機器人，各自依名稱排序
//   - 隊伍名稱排序後對應 0..n-1，同名隊伍必得同一個整數
//   - 不依賴先前呼叫的編號
func BuildGameConf(room *Room, runID int64, worker string) GameConf {
	ordered := make([]string, 0, len(room.Participants))
	ordered = append(ordered, room.names(KindHuman)...)
	ordered = append(ordered, room.names(KindAI)...)
	ordered = append(ordered, room.names(KindChicken)...)

	teams := NormalizeTeams(room.Participants)

	conf := GameConf{
		ID:         runID,
		RoomID:     room.ID,
		Title:      room.Title,
		Mgr:        worker,
		AIHosters:  []int{},
		MapID:      room.MapID,
		Mod:        room.Mod,
		ModOptions: map[string]any{},
		Team:       make(map[string]TeamSlot, len(ordered)),
	}

	index := make(map[string]int, len(ordered))
	for i, name := range ordered {
		p := room.Participants[name]
		index[name] = i
		conf.Team[name] = TeamSlot{
			Index:       i,
			IsAI:        p.Kind == KindAI,
			IsChicken:   p.Kind == KindChicken,
			IsSpectator: p.IsSpectator,
			Team:        teams[p.Team],
		}
	}

	for _, name := range room.AIHosters {
		if i, ok := index[name]; ok && room.HasPlayer(name) {
			conf.AIHosters = append(conf.AIHosters, i)
		}
	}
	if len(conf.AIHosters) == 0 && len(room.names(KindAI)) > 0 {
		if i, ok := index[room.Hoster]; ok {
			conf.AIHosters = append(conf.AIHosters, i)
		}
	}

	return conf
}

// NormalizeTeams 隊伍名稱 → 小整數
func NormalizeTeams(participants map[string]Participant) map[string]int {
	seen := make(map[string]struct{})
	for _, p := range participants {
		seen[p.Team] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for team := range seen {
		names = append(names, team)
	}
	sort.Strings(names)

	mapping := make(map[string]int, len(names))
	for i, team := range names {
		mapping[team] = i
	}
	return mapping
}
