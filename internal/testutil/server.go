package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"LiveUplink/internal/ingest"
	"LiveUplink/internal/sink"
	"LiveUplink/internal/transport"
)

// TestServer 挂在 httptest 上的接收端，数据落到内存存储
type TestServer struct {
	*ingest.Server
	Sink   *sink.MemorySink
	config *ingest.Config
	http   *httptest.Server
	t      testing.TB
}

// NewTestServer 创建并启动接收端，测试结束时自动关闭
func NewTestServer(t testing.TB, customizers ...func(*ingest.Config)) *TestServer {
	t.Helper()

	config := ingest.DefaultConfig("127.0.0.1:0")
	config.HandshakeTimeout = 2 * time.Second
	config.ShutdownTimeout = 2 * time.Second
	for _, customize := range customizers {
		customize(config)
	}

	memory := sink.NewMemorySink()
	server := ingest.New(config, memory, zap.NewNop())

	ts := &TestServer{
		Server: server,
		Sink:   memory,
		config: config,
		http:   httptest.NewServer(server.Handler()),
		t:      t,
	}
	t.Cleanup(ts.Stop)
	return ts
}

// Stop 停止接收端，可重复调用
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), ts.config.ShutdownTimeout)
	defer cancel()

	ts.Server.Shutdown(ctx)
	ts.http.Close()
}

// GetHTTPURL 获取HTTP URL
func (ts *TestServer) GetHTTPURL() string {
	return ts.http.URL
}

// GetWebSocketURL 获取WebSocket URL
func (ts *TestServer) GetWebSocketURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + ts.config.Path
}

// Dialer 返回指向该接收端的 WebSocket 拨号器
func (ts *TestServer) Dialer(customizers ...func(*transport.WebSocketConfig)) *transport.WebSocketDialer {
	config := transport.DefaultWebSocketConfig(ts.GetWebSocketURL())
	config.HandshakeTimeout = 2 * time.Second
	for _, customize := range customizers {
		customize(config)
	}
	return transport.NewWebSocketDialer(config)
}
