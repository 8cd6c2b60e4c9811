// Package wsconn 封裝 WebSocket 連接的讀寫迴圈
//
// 客戶端（/ws）與 autohost（/autohost）共用同一套心跳與發送緩衝：
//
//	writePump：54 秒 Ping，寫入期限 10 秒
//	readPump ：60 秒內沒有任何消息（含 Pong）就斷線
//	Send     ：非阻塞寫入緩衝 channel，慢客戶端不會拖累廣播者
package wsconn

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	// ErrClosed 連接已關閉
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull 發送緩衝區已滿
	ErrBufferFull = errors.New("send buffer full")
)

// Conn 一條 WebSocket 連接
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	logger *slog.Logger

	send      chan []byte
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	lastPongMu sync.Mutex
	lastPong   time.Time
}

// New 包裝已升級的連接
func New(ws *websocket.Conn, id, remote string, logger *slog.Logger) *Conn {
	return &Conn{
		id:       id,
		remote:   remote,
		ws:       ws,
		logger:   logger,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}
}

// ID 連接 ID
func (c *Conn) ID() string { return c.id }

// RemoteAddr 遠端位址（不含 port）
func (c *Conn) RemoteAddr() string { return c.remote }

// Done 連接關閉時關閉
func (c *Conn) Done() <-chan struct{} { return c.done }

// LastPong 最後一次收到 Pong 的時間
func (c *Conn) LastPong() time.Time {
	c.lastPongMu.Lock()
	defer c.lastPongMu.Unlock()
	return c.lastPong
}

// Send 非阻塞發送
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close 關閉連接，可重複呼叫
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// Run 啟動 writePump 並在目前 goroutine 執行 readPump
//
// 連接關閉後返回；onMessage 在讀取 goroutine 中依序呼叫。
func (c *Conn) Run(onMessage func(data []byte)) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(onMessage)
	c.Close()
	<-writerDone
	close(c.done)
}

// readPump 讀取消息直到出錯或超時
func (c *Conn) readPump(onMessage func(data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "conn_id", c.id, "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		c.lastPongMu.Lock()
		c.lastPong = time.Now()
		c.lastPongMu.Unlock()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "conn_id", c.id, "remote", c.remote, "error", err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			onMessage(message)
		}
	}
}

// writePump 發送緩衝中的消息與定期 Ping
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Close() 已關閉 channel
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error", "conn_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
