// Package gateway 客戶端 WebSocket 入口
//
// 系統設計問題：
//
//	每個客戶端透過一條長連接送出 {action, parameters, seq}，
//	結果要回給呼叫者，同時推送給同房間的其他玩家。
//
// 設計方案：
//
//	✅ 每條連接一個 session：clientId（uuid）、登入後的用戶名稱
//	✅ 參數先以 validator 驗證，再交給 Coordinator（驗證失敗不取任何鎖）
//	✅ 回應帶 path，客戶端依 path 更新本地狀態樹
//	✅ 推送（廣播、GAMEENDED）的 seq 固定為 -1
//	✅ 斷線時清除 client:/user:/userState: 並盡力離開未開始的房間
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-game-lobby/internal/autohost"
	"github.com/koopa0/system-design/14-game-lobby/internal/clients"
	"github.com/koopa0/system-design/14-game-lobby/internal/kv"
	"github.com/koopa0/system-design/14-game-lobby/internal/lobby"
	"github.com/koopa0/system-design/14-game-lobby/internal/wsconn"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
	"github.com/koopa0/system-design/14-game-lobby/pkg/logger"
)

const (
	// clientTTL client:<id> 標記的存活時間
	clientTTL = time.Hour
	// cleanupTimeout 斷線清理的時限
	cleanupTimeout = 5 * time.Second
)

// UserLoader 登入時載入帳號，*storage.Users 滿足
type UserLoader interface {
	Load(ctx context.Context, username string) (*lobby.UserState, error)
}

// WorkerLister autohost 列表，*autohost.Dispatcher 滿足
type WorkerLister interface {
	Workers() []autohost.WorkerInfo
}

// HealthCheck 依賴健康檢查
type HealthCheck func(ctx context.Context) error

// sessionMarker user:<id> 的內容
type sessionMarker struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
}

// session 一條客戶端連接
type session struct {
	conn     *wsconn.Conn
	clientID string

	mu       sync.RWMutex
	username string
	userID   int64
}

func (s *session) user() (string, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.userID
}

func (s *session) login(username string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.userID = userID
}

// Gateway 客戶端入口
type Gateway struct {
	coord      *lobby.Coordinator
	store      kv.Store
	users      UserLoader
	tokens     *Tokens
	clients    *clients.Registry
	workers    WorkerLister
	sessionTTL time.Duration
	leaveRetry time.Duration
	checks     map[string]HealthCheck

	decoder  *decoder
	handlers map[string]handlerFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session // clientID -> session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option gateway 選項
type Option func(*Gateway)

// WithSessionTTL user:<id> 標記的存活時間
func WithSessionTTL(d time.Duration) Option {
	return func(g *Gateway) { g.sessionTTL = d }
}

// WithLeaveRetry 斷線離房遇到鎖競爭時的重試上限
func WithLeaveRetry(d time.Duration) Option {
	return func(g *Gateway) { g.leaveRetry = d }
}

// WithHealthCheck 註冊 /health 檢查項目
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(g *Gateway) { g.checks[name] = check }
}

// New 創建 gateway
func New(
	coord *lobby.Coordinator,
	store kv.Store,
	users UserLoader,
	tokens *Tokens,
	registry *clients.Registry,
	workers WorkerLister,
	logger *slog.Logger,
	opts ...Option,
) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		coord:      coord,
		store:      store,
		users:      users,
		tokens:     tokens,
		clients:    registry,
		workers:    workers,
		sessionTTL: time.Hour,
		leaveRetry: 5 * time.Second,
		checks:     make(map[string]HealthCheck),
		decoder:    newDecoder(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   logger.With("component", "gateway"),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.handlers = g.roomHandlers()
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Routes 設定路由
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", g.recoverer(g.serveWS))
	mux.HandleFunc("GET /health", g.recoverer(g.health))
	mux.HandleFunc("GET /stats", g.recoverer(g.stats))
}

// serveWS 升級連接並在關閉前阻塞
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{clientID: uuid.NewString()}
	sess.conn = wsconn.New(ws, sess.clientID, remoteIP(r.RemoteAddr), g.logger)

	ctx := logger.WithClientID(g.ctx, sess.clientID)
	if _, err := g.store.Set(ctx, kv.ClientKey(sess.clientID), struct{}{}, kv.SetOptions{TTL: clientTTL}); err != nil {
		g.logger.ErrorContext(ctx, "failed to mark client", "error", err)
	}

	g.mu.Lock()
	g.sessions[sess.clientID] = sess
	g.mu.Unlock()
	g.wg.Add(1)
	defer g.wg.Done()

	g.logger.InfoContext(ctx, "client connected", "remote", sess.conn.RemoteAddr())

	sess.conn.Run(func(data []byte) {
		g.handle(sess, data)
	})

	g.disconnect(sess)
}

// handle 處理一條消息（同一連接的消息依序處理）
func (g *Gateway) handle(sess *session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		g.reply(sess, failure("", apperrors.ErrMalformedParameters.WithDetails("invalid json"), 0))
		return
	}

	username, _ := sess.user()
	ctx := logger.WithRequestID(g.ctx, uuid.NewString())
	ctx = logger.WithClientID(ctx, sess.clientID)
	if username != "" {
		ctx = logger.WithUserID(ctx, username)
	}

	switch req.Action {
	case ActionPing:
		g.reply(sess, success(ActionPong, "", nil, req.Seq))
		return
	case ActionLogin:
		state, err := g.login(ctx, sess, req.Parameters)
		if err != nil {
			g.fail(ctx, sess, req, err)
			return
		}
		g.reply(sess, success(ActionLogin, "user", state, req.Seq))
		return
	}

	h, ok := g.handlers[req.Action]
	if !ok {
		g.fail(ctx, sess, req, apperrors.ErrUnknownAction.WithDetails(req.Action))
		return
	}
	if username == "" {
		g.fail(ctx, sess, req, apperrors.ErrNotLoggedIn.WithOp(req.Action))
		return
	}

	out, err := h(ctx, username, req.Parameters)
	if err != nil {
		g.fail(ctx, sess, req, err)
		return
	}

	g.reply(sess, success(req.Action, out.path, out.state, req.Seq))
	if out.pushPath != "" {
		g.push(ctx, others(out.recipients, username), success(req.Action, out.pushPath, out.pushState, pushSeq))
	}
}

// fail 回覆錯誤；Broadcastable 錯誤同時推送給整個房間
func (g *Gateway) fail(ctx context.Context, sess *session, req Request, err error) {
	if apperrors.Code(err) == apperrors.ErrCodeInternal {
		g.logger.ErrorContext(ctx, "request failed", "action", req.Action, "error", err)
	} else {
		g.logger.DebugContext(ctx, "request rejected", "action", req.Action, "error", err)
	}

	g.reply(sess, failure(req.Action, err, req.Seq))

	if apperrors.IsBroadcastable(err) {
		username, _ := sess.user()
		g.push(ctx, others(apperrors.Recipients(err), username), failure(req.Action, err, pushSeq))
	}
}

// reply 回覆呼叫者
func (g *Gateway) reply(sess *session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error("failed to encode response", "error", err)
		return
	}
	if err := sess.conn.Send(data); err != nil {
		g.logger.Warn("failed to send response", "client_id", sess.clientID, "error", err)
	}
}

// push 推送給其他玩家
func (g *Gateway) push(ctx context.Context, recipients []string, msg any) {
	if len(recipients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to encode push", "error", err)
		return
	}
	g.clients.Broadcast(recipients, data)
}

// login 驗證 token、載入帳號並寫入 userState
func (g *Gateway) login(ctx context.Context, sess *session, raw json.RawMessage) (*lobby.UserState, error) {
	var p loginParams
	if err := g.decoder.decode(ActionLogin, raw, &p); err != nil {
		return nil, err
	}

	username, err := g.tokens.Verify(p.Token)
	if err != nil {
		return nil, loginError(err)
	}
	if current, _ := sess.user(); current != "" && current != username {
		return nil, apperrors.New(apperrors.ErrCodeStateConflict, "already logged in").WithOp(ActionLogin).WithDetails(current)
	}

	user, err := g.users.Load(ctx, username)
	if err != nil {
		return nil, loginError(err)
	}
	if user.Blocked {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, "account blocked").WithOp(ActionLogin)
	}

	state, err := g.writeUserState(ctx, user)
	if err != nil {
		return nil, err
	}

	marker := sessionMarker{ClientID: sess.clientID, Username: username}
	if _, err := g.store.Set(ctx, kv.UserSessionKey(userKey(state.ID)), marker, kv.SetOptions{TTL: g.sessionTTL}); err != nil {
		return nil, loginError(err)
	}

	sess.login(username, state.ID)
	if old := g.clients.Register(username, sess.conn); old != nil {
		// 同一帳號在新連接登入，舊連接下線
		if c, ok := old.(interface{ Close() }); ok {
			c.Close()
		}
	}

	g.logger.InfoContext(logger.WithUserID(ctx, username), "user logged in", "user_id", state.ID)
	return state.View(), nil
}

// writeUserState 寫入 userState；已存在時保留 session 欄位（重新連線仍在房間中）
func (g *Gateway) writeUserState(ctx context.Context, user *lobby.UserState) (*lobby.UserState, error) {
	l, err := g.store.Lock(ctx, kv.UserStateLockKey(user.Username))
	if err != nil {
		return nil, loginError(err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			g.logger.ErrorContext(ctx, "failed to release lock", "key", l.Key(), "error", err)
		}
	}()

	var existing lobby.UserState
	found, err := g.store.Get(ctx, kv.UserStateKey(user.Username), &existing)
	if err != nil {
		return nil, loginError(err)
	}
	if found {
		user.Game = existing.Game
		user.ChatRooms = existing.ChatRooms
		user.Adventure = existing.Adventure
	}

	if _, err := g.store.Set(ctx, kv.UserStateKey(user.Username), user, kv.SetOptions{}); err != nil {
		return nil, loginError(err)
	}
	return user, nil
}

func loginError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.WithOp(ActionLogin)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "login failed").WithOp(ActionLogin)
}

// disconnect 斷線清理
//
// 只有仍是目前登記的連接才清除玩家資料；
// 被新登入取代的舊連接不能刪掉新 session 的 userState。
func (g *Gateway) disconnect(sess *session) {
	g.mu.Lock()
	delete(g.sessions, sess.clientID)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), cleanupTimeout)
	defer cancel()
	ctx = logger.WithClientID(ctx, sess.clientID)

	keys := []string{kv.ClientKey(sess.clientID)}

	username, userID := sess.user()
	if username != "" && g.clients.Unregister(username, sess.conn) {
		ctx = logger.WithUserID(ctx, username)
		g.leaveOnDisconnect(ctx, username)
		keys = append(keys, kv.UserStateKey(username), kv.UserSessionKey(userKey(userID)))
	}

	if err := g.store.Delete(ctx, keys...); err != nil {
		g.logger.ErrorContext(ctx, "failed to clean up session", "error", err)
	}
	g.logger.InfoContext(ctx, "client disconnected")
}

// leaveOnDisconnect 盡力離開尚未開始的房間
//
// 之後 userState 會被刪除，留在房間裡的玩家永遠不會回報 hasmap，
// 所以 LOCK_CONTENTION 以指數退避重試。
func (g *Gateway) leaveOnDisconnect(ctx context.Context, username string) {
	user, err := g.coord.GetUserState(ctx, username)
	if err != nil || user.Game == nil || user.Game.IsStarted {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = g.leaveRetry

	var room *lobby.Room
	err = backoff.Retry(func() error {
		var err error
		_, room, err = g.coord.LeaveGame(ctx, user.Game.Title, username)
		if err != nil && !apperrors.IsLockContention(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		g.logger.WarnContext(ctx, "failed to leave room on disconnect", "room", user.Game.Title, "error", err)
		return
	}
	g.push(ctx, room.PlayerNames(), success(lobby.OpLeaveGame, "user.game.players", room.Players(), pushSeq))
}

// GameStarted 實現 lobby.Listener（STARTGAME 回應已推送給房間）
func (g *Gateway) GameStarted(context.Context, *lobby.Room, lobby.GameRecord) {}

// GameEnded 實現 lobby.Listener，推送 GAMEENDED 給房間內的玩家
func (g *Gateway) GameEnded(ctx context.Context, room *lobby.Room, rec lobby.GameRecord) {
	state := map[string]any{
		"game":    room.View(),
		"gameId":  rec.Conf.ID,
		"teamWin": rec.TeamWin,
	}
	g.push(ctx, room.PlayerNames(), success(ActionGameEnded, "user.game", state, pushSeq))
}

// Close 關閉所有連接並等待清理完成
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]*wsconn.Conn, 0, len(g.sessions))
	for _, s := range g.sessions {
		conns = append(conns, s.conn)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	g.wg.Wait()
	g.cancel()
}

// health 健康檢查
func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(g.checks))
	for name, check := range g.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	g.jsonResponse(w, map[string]any{
		"status": overall,
		"checks": checks,
		"time":   time.Now().Unix(),
	}, status)
}

// stats 連線與 autohost 統計
func (g *Gateway) stats(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	connections := len(g.sessions)
	g.mu.RUnlock()

	g.jsonResponse(w, map[string]any{
		"connections": connections,
		"clients":     g.clients.Count(),
		"workers":     g.workers.Workers(),
	}, http.StatusOK)
}

func (g *Gateway) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// recoverer panic 恢復
func (g *Gateway) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				g.logger.Error("panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// others 去除呼叫者
func others(names []string, self string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
