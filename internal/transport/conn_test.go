package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LiveUplink/internal/protocol"
)

// wsReceiver 最小化的WebSocket接收端，握手后记录数据帧序列号
type wsReceiver struct {
	upgrader  websocket.Upgrader
	closeWith int // 非零时握手后立即发送该关闭码

	mu       sync.Mutex
	received []uint64
}

func (r *wsReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	hello, err := protocol.DecodeHello(raw)
	if err != nil {
		return
	}
	ack, _ := protocol.EncodeAck(protocol.Ack{StreamID: hello.StreamID, SessionID: "ws-1", OK: true})
	if err := conn.WriteMessage(websocket.BinaryMessage, ack); err != nil {
		return
	}

	if r.closeWith != 0 {
		msg := websocket.FormatCloseMessage(r.closeWith, "bye")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		seq, _, err := protocol.DecodeFrame(raw)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, seq)
		r.mu.Unlock()
	}
}

func (r *wsReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/video-stream"
}

func TestWebSocketSession(t *testing.T) {
	recv := &wsReceiver{}
	server := httptest.NewServer(recv)
	defer server.Close()

	cfg := DefaultWebSocketConfig(wsURL(server))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 100 * time.Millisecond

	sess := New(NewWebSocketDialer(cfg), testConfig(), nil)
	require.NoError(t, sess.Connect(context.Background(), 1))
	assert.Equal(t, "ws-1", sess.RemoteID())

	for seq := uint64(1); seq <= 20; seq++ {
		require.NoError(t, sess.Send(mkChunk(seq)))
	}

	// 跨越若干心跳周期，连接应保持打开
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateOpen, sess.State())

	require.NoError(t, sess.Close(context.Background()))
	require.Eventually(t, func() bool { return recv.count() == 20 }, 2*time.Second, 10*time.Millisecond)

	recv.mu.Lock()
	for i, seq := range recv.received {
		assert.Equal(t, uint64(i+1), seq)
	}
	recv.mu.Unlock()
}

func TestWebSocketPeerCloseFrame(t *testing.T) {
	recv := &wsReceiver{closeWith: websocket.CloseGoingAway}
	server := httptest.NewServer(recv)
	defer server.Close()

	sess := New(NewWebSocketDialer(DefaultWebSocketConfig(wsURL(server))), testConfig(), nil)
	require.NoError(t, sess.Connect(context.Background(), 1))

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not observe the close frame")
	}
	assert.ErrorIs(t, sess.Err(), ErrPeerClosed)
	assert.Equal(t, StateClosed, sess.State())
}

func TestWebSocketDialRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	sess := New(NewWebSocketDialer(DefaultWebSocketConfig(url)), testConfig(), nil)
	err := sess.Connect(context.Background(), 1)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateFaulted, sess.State())
}

func TestPipeBreak(t *testing.T) {
	a, b := Pipe()

	go func() {
		a.WriteMessage(context.Background(), []byte("hello"))
	}()
	msg, err := b.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	b.Break(assert.AnError)
	_, err = a.ReadMessage(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.ErrorIs(t, a.WriteMessage(context.Background(), []byte("x")), assert.AnError)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, _ := Pipe()
	_, err = c.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
