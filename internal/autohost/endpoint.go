package autohost

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/koopa0/system-design/14-game-lobby/internal/wsconn"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// registerTimeout 連接後必須在此時間內送出 autohostRegister
const registerTimeout = 10 * time.Second

// WhitelistStore 持久化的 autohost 白名單
type WhitelistStore interface {
	Contains(ctx context.Context, ip string) (bool, error)
}

// Guard autohost 來源 IP 檢查
//
// 設定檔清單與資料庫白名單取聯集；store 可為 nil。
type Guard struct {
	static map[string]struct{}
	store  WhitelistStore
}

// NewGuard 創建白名單檢查
func NewGuard(ips []string, store WhitelistStore) *Guard {
	static := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		static[ip] = struct{}{}
	}
	return &Guard{static: static, store: store}
}

// Allowed 是否允許此 IP
func (g *Guard) Allowed(ctx context.Context, ip string) (bool, error) {
	if _, ok := g.static[ip]; ok {
		return true, nil
	}
	if g.store == nil {
		return false, nil
	}
	return g.store.Contains(ctx, ip)
}

// Endpoint autohost 的 WebSocket 入口（GET /autohost）
type Endpoint struct {
	dispatcher *Dispatcher
	guard      *Guard
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewEndpoint 創建入口
func NewEndpoint(dispatcher *Dispatcher, guard *Guard, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		dispatcher: dispatcher,
		guard:      guard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "autohost_endpoint"),
	}
}

// ServeHTTP 實現 http.Handler
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r.RemoteAddr)

	ok, err := e.guard.Allowed(r.Context(), ip)
	if err != nil {
		e.logger.Error("whitelist lookup failed", "ip", ip, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		e.logger.Warn("autohost rejected by whitelist", "ip", ip)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	conn := wsconn.New(ws, uuid.NewString(), ip, e.logger)
	e.serve(conn)
}

// serve 在連接關閉前阻塞
//
// 第一條消息必須是 autohostRegister，其餘消息交給 Dispatcher。
func (e *Endpoint) serve(conn *wsconn.Conn) {
	addr := conn.RemoteAddr()
	registered := false

	timer := time.AfterFunc(registerTimeout, func() {
		e.logger.Warn("autohost did not register in time", "ip", addr)
		conn.Close()
	})
	defer timer.Stop()

	conn.Run(func(data []byte) {
		if registered {
			e.dispatcher.HandleMessage(addr, data)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Action != ActionRegister {
			e.logger.Warn("expected autohostRegister", "ip", addr, "action", msg.Action)
			return
		}
		if !timer.Stop() {
			return
		}
		registered = true
		e.dispatcher.Register(addr, conn)
	})

	if registered {
		e.dispatcher.Unregister(addr, conn)
	}
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
