// Package errors 提供大廳服務的錯誤分類
//
// 所有業務錯誤都以 *AppError 表示，由 Code 決定分類：
//
//	VALIDATION        輸入格式錯誤（在取得任何鎖之前拒絕）
//	UNAUTHORIZED      非房主執行特權操作、未登入、密碼錯誤
//	STATE_CONFLICT    遊戲已開始、地圖不符、重複加入
//	NOT_FOUND         房間 / 玩家 / autohost 不存在
//	LOCK_CONTENTION   advisory lock 已被持有
//	UPSTREAM_TIMEOUT  autohost 未在時限內回應
//	UPSTREAM_REJECTED autohost 明確拒絕
//
// Broadcastable 錯誤是帶有 Recipients 的 STATE_CONFLICT，
// gateway 會把它推送給整個房間，而不只是呼叫者。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeValidation 無效輸入
	ErrCodeValidation = "VALIDATION"
	// ErrCodeUnauthorized 權限不足
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeStateConflict 狀態衝突
	ErrCodeStateConflict = "STATE_CONFLICT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeLockContention 鎖競爭
	ErrCodeLockContention = "LOCK_CONTENTION"
	// ErrCodeUpstreamTimeout autohost 超時
	ErrCodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
	// ErrCodeUpstreamRejected autohost 拒絕
	ErrCodeUpstreamRejected = "UPSTREAM_REJECTED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code       string   `json:"code"`
	Op         string   `json:"op,omitempty"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	Recipients []string `json:"-"`
	Err        error    `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	prefix := e.Code
	if e.Op != "" {
		prefix = e.Op + " " + e.Code
	}
	msg := e.Message
	if e.Details != "" {
		msg = msg + " (" + e.Details + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, msg)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 目標沒有 Message 時只比對 Code，否則 Code 與 Message 都要相同，
// 讓 errors.Is(err, ErrRoomNotFound) 不會誤配其他 NOT_FOUND。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if t.Message == "" {
		return e.Code == t.Code
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// clone 預定義錯誤是共享的，修改前一律複製
func (e *AppError) clone() *AppError {
	c := *e
	if e.Recipients != nil {
		c.Recipients = append([]string(nil), e.Recipients...)
	}
	return &c
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	c := e.clone()
	c.Details = details
	return c
}

// WithOp 標記發生錯誤的操作（如 JOINGAME）
func (e *AppError) WithOp(op string) *AppError {
	c := e.clone()
	c.Op = op
	return c
}

// WithCause 附加底層錯誤
func (e *AppError) WithCause(err error) *AppError {
	c := e.clone()
	c.Err = err
	return c
}

// Broadcast 轉為需要推送給整個房間的錯誤
func (e *AppError) Broadcast(recipients []string) *AppError {
	c := e.clone()
	c.Recipients = append([]string(nil), recipients...)
	return c
}

// 預定義錯誤
var (
	ErrNotLoggedIn   = New(ErrCodeUnauthorized, "login required")
	ErrInvalidToken  = New(ErrCodeUnauthorized, "invalid token")
	ErrNotHoster     = New(ErrCodeUnauthorized, "only the hoster can do this")
	ErrWrongPassword = New(ErrCodeUnauthorized, "wrong room password")

	ErrGameAlreadyStarted = New(ErrCodeStateConflict, "game already started")
	ErrGameNotStarted     = New(ErrCodeStateConflict, "game not started")
	ErrMapMismatch        = New(ErrCodeStateConflict, "map mismatch")
	ErrAlreadyInRoom      = New(ErrCodeStateConflict, "already in another room")
	ErrPlayersNotReady    = New(ErrCodeStateConflict, "not all players have the map")

	ErrRoomNotFound        = New(ErrCodeNotFound, "room not found")
	ErrPlayerNotFound      = New(ErrCodeNotFound, "player not found")
	ErrPlayerNotInRoom     = New(ErrCodeNotFound, "player not in room")
	ErrAINotFound          = New(ErrCodeNotFound, "ai not found")
	ErrNoWorkersAvailable  = New(ErrCodeNotFound, "no autohost available")
	ErrWorkerNotFound      = New(ErrCodeNotFound, "autohost not found")
	ErrRecipientNotFound   = New(ErrCodeNotFound, "recipient not found")
	ErrLockContention      = New(ErrCodeLockContention, "resource is busy, please try again later")
	ErrAutohostTimeout     = New(ErrCodeUpstreamTimeout, "autohost did not respond in time")
	ErrKillRejected        = New(ErrCodeUpstreamRejected, "kill engine rejected")
	ErrMidJoinRejected     = New(ErrCodeUpstreamRejected, "mid join rejected")
	ErrStartGameRejected   = New(ErrCodeUpstreamRejected, "start game rejected")
	ErrUnknownAction       = New(ErrCodeValidation, "unknown action")
	ErrMalformedParameters = New(ErrCodeValidation, "malformed parameters")
)

// Code 返回錯誤碼，非 AppError 視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Recipients 返回 Broadcastable 錯誤的接收者
func Recipients(err error) []string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recipients
	}
	return nil
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsValidation 檢查是否為輸入錯誤
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsUnauthorized 檢查是否為權限錯誤
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsStateConflict 檢查是否為狀態衝突
func IsStateConflict(err error) bool { return hasCode(err, ErrCodeStateConflict) }

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsLockContention 檢查是否為鎖競爭
func IsLockContention(err error) bool { return hasCode(err, ErrCodeLockContention) }

// IsTimeout 檢查是否為超時錯誤
func IsTimeout(err error) bool { return hasCode(err, ErrCodeUpstreamTimeout) }

// IsRejected 檢查是否為 autohost 拒絕
func IsRejected(err error) bool { return hasCode(err, ErrCodeUpstreamRejected) }

// IsBroadcastable 檢查錯誤是否需要推送給整個房間
func IsBroadcastable(err error) bool {
	return IsStateConflict(err) && len(Recipients(err)) > 0
}
