// Package transport 实现单条逻辑连接（会话）：建连握手、发送、排空、关闭。
// 会话只报告状态，从不自行重连。
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrTransportFault  = errors.New("transport fault")
	// ErrBackpressure 发送队列已满，调用方应等待 Writable
	ErrBackpressure   = errors.New("session backpressure")
	ErrSessionNotOpen = errors.New("session not open")
	// ErrPeerClosed 对端主动正常关闭连接
	ErrPeerClosed = errors.New("closed by peer")
)

// Conn 面向消息的双向连接
type Conn interface {
	WriteMessage(ctx context.Context, data []byte) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer 建立到接收端的连接
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketConfig WebSocket拨号配置
type WebSocketConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration // 0 表示不发送心跳
	PongTimeout       time.Duration
	EnableCompression bool
	UserAgent         string
}

// DefaultWebSocketConfig 返回默认配置
func DefaultWebSocketConfig(url string) *WebSocketConfig {
	return &WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      5 * time.Second,
		// 媒体数据已经压缩过，再压缩只浪费CPU
		EnableCompression: false,
		UserAgent:         "LiveUplink/1.0",
	}
}

// WebSocketDialer 基于 gorilla/websocket 的拨号器
type WebSocketDialer struct {
	config *WebSocketConfig
	dialer *websocket.Dialer
}

var _ Dialer = (*WebSocketDialer)(nil)

// NewWebSocketDialer 创建WebSocket拨号器
func NewWebSocketDialer(config *WebSocketConfig) *WebSocketDialer {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	return &WebSocketDialer{
		config: config,
		dialer: &dialer,
	}
}

// Dial 建立WebSocket连接
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	headers := http.Header{
		"User-Agent": []string{d.config.UserAgent},
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", d.config.URL, err)
	}

	wc := &wsConn{
		conn:   conn,
		config: d.config,
		stop:   make(chan struct{}),
	}

	if d.config.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wc.readWindow()))
		})
		go wc.pingLoop()
	}

	return wc, nil
}

// wsConn 把 *websocket.Conn 适配为 Conn
type wsConn struct {
	conn    *websocket.Conn
	config  *WebSocketConfig
	writeMu sync.Mutex // 专用于WebSocket写入同步

	stop      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) readWindow() time.Duration {
	return c.config.PingInterval + c.config.PongTimeout
}

func (c *wsConn) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Time{}
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(c.writeDeadline(ctx))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return mapCloseError(err)
	}
	return nil
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	switch deadline, ok := ctx.Deadline(); {
	case ok:
		c.conn.SetReadDeadline(deadline)
	case c.config.PingInterval > 0:
		c.conn.SetReadDeadline(time.Now().Add(c.readWindow()))
	default:
		c.conn.SetReadDeadline(time.Time{})
	}

	// 取消时立即打断阻塞的读取
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, mapCloseError(err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close 发送关闭帧后关闭底层连接，可重复调用
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// pingLoop 心跳循环
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.PongTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// mapCloseError 把对端正常关闭映射为 ErrPeerClosed
func mapCloseError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return err
}
