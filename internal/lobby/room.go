package lobby

import (
	"encoding/json"
	"sort"
)

// Kind 參與者類型
type Kind string

const (
	// KindHuman 真人玩家
	KindHuman Kind = "human"
	// KindAI AI 機器人（由 aiHosters 中的玩家負責運算）
	KindAI Kind = "AI"
	// KindChicken 中立機器人
	KindChicken Kind = "Chicken"
)

// DefaultTeam 新玩家的預設隊伍
const DefaultTeam = "A"

// Participant 房間參與者
//
// 玩家、AI、中立機器人共用同一個名稱空間，
// 同一個名字不能同時是玩家和 AI。
type Participant struct {
	Kind        Kind
	Team        string
	IsSpectator bool
	HasMap      bool
}

// PlayerInfo 玩家在房間中的狀態（線上格式）
type PlayerInfo struct {
	Team        string `json:"team"`
	IsSpectator bool   `json:"isSpectator"`
	HasMap      bool   `json:"hasmap"`
}

// BotInfo AI / 中立機器人的狀態（線上格式）
type BotInfo struct {
	Team string `json:"team"`
}

// Room 遊戲房間
//
// 系統設計問題：
//
//	多個玩家同時修改同一個房間（換隊、換地圖、開始遊戲），
//	而且大廳可能有多個節點，房間狀態放在哪裡？
//
// 設計方案：
//
//	✅ Redis 為唯一真實來源（gameRoom:<title>）
//	✅ 每次修改都在 lock:gameRoom:<title> 保護下 read-modify-write
//	✅ 進程內只保留連接資訊，不保存業務狀態
//
// Invariants：
//   - title 在儲存中唯一
//   - 只有 Hoster 能改地圖 / mod / 隊伍 / AI、開始或結束遊戲
//   - IsStarted 為 true 時，地圖 / mod / 隊伍 / AI 組成凍結
//   - 沒有玩家的房間會被刪除
type Room struct {
	ID                  int64
	Title               string
	Hoster              string
	MapID               int
	Mod                 string
	Password            string
	IsStarted           bool
	ResponsibleAutohost string
	AutohostPort        int
	EngineToken         string
	Participants        map[string]Participant
	Polls               map[string][]string
	AIHosters           []string
	Notes               string
}

// roomJSON 儲存格式：參與者拆成 players / ais / chickens 三個 map
type roomJSON struct {
	ID                  int64                 `json:"id"`
	Title               string                `json:"title"`
	Hoster              string                `json:"hoster"`
	MapID               int                   `json:"mapId"`
	Mod                 string                `json:"mod"`
	Password            string                `json:"password"`
	IsStarted           bool                  `json:"isStarted"`
	ResponsibleAutohost string                `json:"responsibleAutohost"`
	AutohostPort        int                   `json:"autohostPort"`
	EngineToken         string                `json:"engineToken"`
	Players             map[string]PlayerInfo `json:"players"`
	AIs                 map[string]BotInfo    `json:"ais"`
	Chickens            map[string]BotInfo    `json:"chickens"`
	Polls               map[string][]string   `json:"polls"`
	AIHosters           []string              `json:"aiHosters"`
	Notes               string                `json:"notes"`
}

// NewRoom 創建空房間
func NewRoom(id int64, title, hoster string, mapID int, password, engineToken string) *Room {
	return &Room{
		ID:           id,
		Title:        title,
		Hoster:       hoster,
		MapID:        mapID,
		Password:     password,
		EngineToken:  engineToken,
		Participants: make(map[string]Participant),
		Polls:        make(map[string][]string),
		AIHosters:    []string{},
	}
}

// MarshalJSON 實現 json.Marshaler
func (r Room) MarshalJSON() ([]byte, error) {
	out := roomJSON{
		ID:                  r.ID,
		Title:               r.Title,
		Hoster:              r.Hoster,
		MapID:               r.MapID,
		Mod:                 r.Mod,
		Password:            r.Password,
		IsStarted:           r.IsStarted,
		ResponsibleAutohost: r.ResponsibleAutohost,
		AutohostPort:        r.AutohostPort,
		EngineToken:         r.EngineToken,
		Players:             r.Players(),
		AIs:                 r.bots(KindAI),
		Chickens:            r.bots(KindChicken),
		Polls:               r.Polls,
		AIHosters:           r.AIHosters,
		Notes:               r.Notes,
	}
	if out.Polls == nil {
		out.Polls = map[string][]string{}
	}
	if out.AIHosters == nil {
		out.AIHosters = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON 實現 json.Unmarshaler
func (r *Room) UnmarshalJSON(data []byte) error {
	var in roomJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*r = Room{
		ID:                  in.ID,
		Title:               in.Title,
		Hoster:              in.Hoster,
		MapID:               in.MapID,
		Mod:                 in.Mod,
		Password:            in.Password,
		IsStarted:           in.IsStarted,
		ResponsibleAutohost: in.ResponsibleAutohost,
		AutohostPort:        in.AutohostPort,
		EngineToken:         in.EngineToken,
		Participants:        make(map[string]Participant, len(in.Players)+len(in.AIs)+len(in.Chickens)),
		Polls:               in.Polls,
		AIHosters:           in.AIHosters,
		Notes:               in.Notes,
	}
	if r.Polls == nil {
		r.Polls = make(map[string][]string)
	}

	for name, p := range in.Players {
		r.Participants[name] = Participant{Kind: KindHuman, Team: p.Team, IsSpectator: p.IsSpectator, HasMap: p.HasMap}
	}
	for name, b := range in.AIs {
		r.Participants[name] = Participant{Kind: KindAI, Team: b.Team}
	}
	for name, b := range in.Chickens {
		r.Participants[name] = Participant{Kind: KindChicken, Team: b.Team}
	}
	return nil
}

// Players 真人玩家（線上格式）
func (r *Room) Players() map[string]PlayerInfo {
	players := make(map[string]PlayerInfo)
	for name, p := range r.Participants {
		if p.Kind == KindHuman {
			players[name] = PlayerInfo{Team: p.Team, IsSpectator: p.IsSpectator, HasMap: p.HasMap}
		}
	}
	return players
}

func (r *Room) bots(kind Kind) map[string]BotInfo {
	bots := make(map[string]BotInfo)
	for name, p := range r.Participants {
		if p.Kind == kind {
			bots[name] = BotInfo{Team: p.Team}
		}
	}
	return bots
}

// PlayerNames 真人玩家名稱（排序）
func (r *Room) PlayerNames() []string {
	return r.names(KindHuman)
}

func (r *Room) names(kind Kind) []string {
	names := make([]string, 0, len(r.Participants))
	for name, p := range r.Participants {
		if p.Kind == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HasPlayer 是否為房間中的真人玩家
func (r *Room) HasPlayer(name string) bool {
	p, ok := r.Participants[name]
	return ok && p.Kind == KindHuman
}

// IsHoster 是否為房主
func (r *Room) IsHoster(name string) bool {
	return r.Hoster == name
}

// Empty 房間是否已沒有真人玩家
func (r *Room) Empty() bool {
	return len(r.PlayerNames()) == 0
}

// MissingMap 尚未下載地圖的非觀戰玩家
func (r *Room) MissingMap() []string {
	var missing []string
	for _, name := range r.PlayerNames() {
		p := r.Participants[name]
		if !p.IsSpectator && !p.HasMap {
			missing = append(missing, name)
		}
	}
	return missing
}

// Clone 深拷貝
func (r *Room) Clone() *Room {
	c := *r
	c.Participants = make(map[string]Participant, len(r.Participants))
	for k, v := range r.Participants {
		c.Participants[k] = v
	}
	c.Polls = make(map[string][]string, len(r.Polls))
	for k, v := range r.Polls {
		c.Polls[k] = append([]string(nil), v...)
	}
	c.AIHosters = append([]string{}, r.AIHosters...)
	return &c
}

// View 推送給客戶端的副本（隱藏密碼）
func (r *Room) View() *Room {
	c := r.Clone()
	c.Password = ""
	return c
}
