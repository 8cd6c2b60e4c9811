package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// 非房間操作的 action
const (
	ActionLogin     = "LOGIN"
	ActionPing      = "PING"
	ActionPong      = "PONG"
	ActionGameEnded = "GAMEENDED"
)

// pushSeq 伺服器主動推送的 seq
const pushSeq = -1

// Request 客戶端消息
type Request struct {
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
	Seq        int64           `json:"seq"`
}

// Response 成功回應與推送
//
// path 指出 state 應寫入客戶端狀態樹的位置（如 user.game.players）。
type Response struct {
	Status string `json:"status"`
	Action string `json:"action"`
	Path   string `json:"path"`
	State  any    `json:"state"`
	Seq    int64  `json:"seq"`
}

// ErrorBody 錯誤內容
type ErrorBody struct {
	Code    string `json:"code"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ErrorResponse 錯誤回應
type ErrorResponse struct {
	Status string    `json:"status"`
	Action string    `json:"action"`
	Error  ErrorBody `json:"error"`
	Seq    int64     `json:"seq"`
}

func success(action, path string, state any, seq int64) Response {
	return Response{Status: "success", Action: action, Path: path, State: state, Seq: seq}
}

// failure 非 AppError 不對外透露細節
func failure(action string, err error, seq int64) ErrorResponse {
	body := ErrorBody{Code: apperrors.ErrCodeInternal, Message: "internal error"}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code != apperrors.ErrCodeInternal {
		body = ErrorBody{
			Code:    appErr.Code,
			Op:      appErr.Op,
			Message: appErr.Message,
			Details: appErr.Details,
		}
	}
	return ErrorResponse{Status: "error", Action: action, Error: body, Seq: seq}
}

// 參數（欄位名稱沿用客戶端協議）

type loginParams struct {
	Token string `json:"token" validate:"required"`
}

type gameParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
}

type joinGameParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	Password string `json:"password" validate:"max=64"`
	MapID    *int   `json:"mapId" validate:"required,gte=0"`
}

type setTeamParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	Player   string `json:"player" validate:"required,max=64"`
	Team     string `json:"team" validate:"required,max=32"`
}

type mapParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	MapID    *int   `json:"mapId" validate:"required,gte=0"`
}

type setModParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	ModID    string `json:"modId" validate:"required,max=128"`
}

type setAIParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	AI       string `json:"ai" validate:"required,max=64"`
	Type     string `json:"type" validate:"required,oneof=AI Chicken"`
	Team     string `json:"team" validate:"required,max=32"`
}

type delAIParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	AI       string `json:"ai" validate:"required,max=64"`
}

type setSpectatorParams struct {
	GameName string `json:"gameName" validate:"required,max=64"`
	Player   string `json:"player" validate:"required,max=64"`
}

// decoder 解析並驗證參數（在取得任何鎖之前）
type decoder struct {
	validate *validator.Validate
}

func newDecoder() *decoder {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 錯誤訊息使用協議欄位名稱（gameName 而不是 GameName）
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &decoder{validate: v}
}

func (d *decoder) decode(op string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperrors.ErrMalformedParameters.WithOp(op).WithDetails(err.Error())
	}
	if err := d.validate.Struct(dst); err != nil {
		return apperrors.ErrMalformedParameters.WithOp(op).WithDetails(describe(err))
	}
	return nil
}

// describe 把驗證錯誤轉成 "gameName: required" 形式
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}
