package lobby

// InventoryItem 背包物品
type InventoryItem struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// Mark 對其他玩家的標記
type Mark struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Mark string `json:"mark"`
}

// Confirmation 待確認事項（好友邀請等）
type Confirmation struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Claimed bool   `json:"claimed"`
}

// UserState 玩家快取狀態（userState:<username>）
//
// 登入時由資料庫載入，斷線時刪除。
// Game 是房間快照，由 SynchronizeWithStore 更新。
type UserState struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username"`
	AccessLevel   int             `json:"accessLevel"`
	Exp           int             `json:"exp"`
	Blocked       bool            `json:"blocked"`
	WinCount      int             `json:"winCount"`
	LoseCount     int             `json:"loseCount"`
	Inventory     []InventoryItem `json:"inventory"`
	Marks         []Mark          `json:"marks"`
	Friends       []string        `json:"friends"`
	Confirmations []Confirmation  `json:"confirmations"`

	Game      *Room    `json:"game"`
	ChatRooms []string `json:"chatRooms"`
	Adventure *int64   `json:"adventure"`
}

// View 推送給客戶端的副本
func (u *UserState) View() *UserState {
	c := *u
	if u.Game != nil {
		c.Game = u.Game.View()
	}
	return &c
}
