package autohost

import (
	"encoding/json"
	"slices"
)

// 指令（lobby → autohost）
const (
	ActionStartGame  = "startGame"
	ActionKillEngine = "killEngine"
	ActionMidJoin    = "midJoin"
)

// 事件（autohost → lobby）
const (
	ActionRegister           = "autohostRegister"
	ActionServerStarted      = "serverStarted"
	ActionServerEnding       = "serverEnding"
	ActionKillEngineSent     = "killEngineSignalSent"
	ActionKillEngineRejected = "killEngineRejected"
	ActionMidJoined          = "midJoined"
	ActionJoinRejected       = "joinRejected"
	ActionWorkerExists       = "workerExists"
	ActionMapNotFound        = "mapNotFound"
)

// Command 送給 autohost 的指令
type Command struct {
	Action     string
	Parameters any
}

// envelope 線上格式
type envelope struct {
	Action        string `json:"action"`
	Parameters    any    `json:"parameters"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Message autohost 送來的消息
type Message struct {
	Action        string          `json:"action"`
	Parameters    json.RawMessage `json:"parameters"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Decode 解析 parameters
func (m *Message) Decode(v any) error {
	if len(m.Parameters) == 0 {
		return nil
	}
	return json.Unmarshal(m.Parameters, v)
}

// Response 常見的回應參數
type Response struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Port    int    `json:"port"`
	Info    string `json:"info"`
	Status  bool   `json:"status"`
	TeamWin int    `json:"teamWin"`
}

// NoTeamWin serverEnding 沒有帶勝隊時的 TeamWin
const NoTeamWin = -1

// Params 解析成 Response，解析失敗時返回零值（TeamWin 為 NoTeamWin）
func (m *Message) Params() Response {
	r := Response{TeamWin: NoTeamWin}
	_ = m.Decode(&r)
	return r
}

// Expect 期待的回應 action
type Expect struct {
	Success []string
	Reject  []string
}

func (e Expect) matches(action string) bool {
	return slices.Contains(e.Success, action) || slices.Contains(e.Reject, action)
}

func (e Expect) rejected(action string) bool {
	return slices.Contains(e.Reject, action)
}

// EndingHandler 收到 serverEnding 時呼叫
type EndingHandler func(msg Message)

// Conn 送往 autohost 的連接
type Conn interface {
	Send(data []byte) error
}
