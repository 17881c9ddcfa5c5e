package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"LiveUplink/internal/ingest"
	"LiveUplink/internal/protocol"
	"LiveUplink/internal/sink"
	"LiveUplink/internal/testutil"
	"LiveUplink/internal/uplink"
)

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAck(t *testing.T, conn *websocket.Conn) protocol.Ack {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ack, err := protocol.DecodeAck(raw)
	require.NoError(t, err)
	return ack
}

func hello(t *testing.T, conn *websocket.Conn, streamID string, next uint64) protocol.Ack {
	t.Helper()
	frame, err := protocol.EncodeHello(protocol.Hello{StreamID: streamID, ClientVersion: "test", NextSeq: next})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	return readAck(t, conn)
}

func sendChunk(t *testing.T, conn *websocket.Conn, seq uint64, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(seq, []byte(data))))
}

func TestHandshakeReportsStreamProgress(t *testing.T) {
	ts := testutil.NewTestServer(t)

	conn := dialRaw(t, ts.GetWebSocketURL())
	ack := hello(t, conn, "cam", 1)
	assert.True(t, ack.OK)
	assert.True(t, ack.Acks)
	assert.Equal(t, "cam", ack.StreamID)
	assert.NotEmpty(t, ack.SessionID)
	assert.Zero(t, ack.LastSeq)

	for seq := uint64(1); seq <= 3; seq++ {
		sendChunk(t, conn, seq, "data")
		assert.Equal(t, seq, readAck(t, conn).LastSeq)
	}
	conn.Close()

	// 重连后握手报告已接收进度，重复的数据块被丢弃，跳号计入空洞
	conn = dialRaw(t, ts.GetWebSocketURL())
	ack = hello(t, conn, "cam", 2)
	assert.Equal(t, uint64(3), ack.LastSeq)

	sendChunk(t, conn, 2, "dup")
	assert.Equal(t, uint64(2), readAck(t, conn).LastSeq)
	sendChunk(t, conn, 5, "after-gap")
	assert.Equal(t, uint64(5), readAck(t, conn).LastSeq)

	assert.Equal(t, []uint64{1, 2, 3, 5}, ts.Sink.Seqs("cam"))

	stats, ok := ts.Stream("cam")
	require.True(t, ok)
	assert.Equal(t, uint64(5), stats.LastSeq)
	assert.Equal(t, uint64(4), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Gaps)
	assert.Equal(t, uint64(2), stats.Sessions)
}

func TestHandshakeRejectsMissingStreamID(t *testing.T) {
	ts := testutil.NewTestServer(t)

	conn := dialRaw(t, ts.GetWebSocketURL())
	ack := hello(t, conn, "", 1)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Reason, "stream id")

	// 随后连接被关闭
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeResumesFromSink(t *testing.T) {
	dir := t.TempDir()
	fs, err := sink.NewFileSink(sink.FileSinkConfig{Dir: dir})
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, fs.Write(context.Background(), sink.Record{StreamID: "cam", Seq: seq, Data: []byte("x")}))
	}

	server := ingest.New(ingest.DefaultConfig("127.0.0.1:0"), fs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()
	<-server.Ready()

	conn := dialRaw(t, "ws://"+server.Addr().String()+"/video-stream")
	ack := hello(t, conn, "cam", 1)
	assert.Equal(t, uint64(3), ack.LastSeq)

	sendChunk(t, conn, 4, "four")
	assert.Equal(t, uint64(4), readAck(t, conn).LastSeq)

	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, fs.Close())

	report, err := sink.Verify(dir, "cam")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, uint64(4), report.LastSeq)
}

func TestWithoutAcks(t *testing.T) {
	ts := testutil.NewTestServer(t, func(c *ingest.Config) { c.Acks = false })

	conn := dialRaw(t, ts.GetWebSocketURL())
	ack := hello(t, conn, "cam", 1)
	require.True(t, ack.OK)
	assert.False(t, ack.Acks)

	sendChunk(t, conn, 1, "a")
	sendChunk(t, conn, 2, "b")
	require.Eventually(t, func() bool { return len(ts.Sink.Seqs("cam")) == 2 }, 2*time.Second, 5*time.Millisecond)

	// 没有逐块确认
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHTTPEndpoints(t *testing.T) {
	ts := testutil.NewTestServer(t)
	base := ts.GetHTTPURL()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn := dialRaw(t, ts.GetWebSocketURL())
	hello(t, conn, "cam", 1)
	sendChunk(t, conn, 1, "abc")
	readAck(t, conn)

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, true, stats["running"])
	assert.EqualValues(t, 1, stats["current_connections"])
	assert.EqualValues(t, 1, stats["total_frames"])
	assert.EqualValues(t, 3, stats["total_bytes"])

	resp, err = http.Get(base + "/streams/cam")
	require.NoError(t, err)
	var stream ingest.StreamStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stream))
	resp.Body.Close()
	assert.Equal(t, uint64(1), stream.LastSeq)

	resp, err = http.Get(base + "/streams/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "/control?action=disconnect_all")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(base+"/control?action=explode", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(base+"/control?action=disconnect_all", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool {
		return ts.GetStats()["current_connections"].(int32) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	ts := testutil.NewTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.GetHTTPURL()+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRunServesGRPCHealth(t *testing.T) {
	cfg := ingest.DefaultConfig("127.0.0.1:0")
	cfg.GRPCAddr = "127.0.0.1:0"
	server := ingest.New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()
	<-server.Ready()

	cc, err := grpc.NewClient(server.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(cc).Check(checkCtx, &healthpb.HealthCheckRequest{Service: ingest.HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	httpResp, err := http.Get("http://" + server.Addr().String() + "/healthz")
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Error(t, server.Run(context.Background()), "server is single use")
}

func TestShutdownWithoutRun(t *testing.T) {
	server := ingest.New(nil, nil, nil)
	require.NoError(t, server.Shutdown(context.Background()))
	require.NoError(t, server.Shutdown(context.Background()))
	assert.Equal(t, false, server.GetStats()["running"])
}

func uplinkConfig(streamID string) uplink.Config {
	cfg := uplink.DefaultConfig(streamID)
	cfg.Backoff = uplink.BackoffConfig{Base: 5 * time.Millisecond, Factor: 2, Cap: 50 * time.Millisecond}
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.FlushTimeout = 2 * time.Second
	cfg.ConfirmInterval = 10 * time.Millisecond
	return cfg
}

func runUplink(up *uplink.Uplink) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- up.Run(context.Background()) }()
	return errCh
}

func stopUplink(t *testing.T, up *uplink.Uplink, errCh <-chan error) {
	t.Helper()
	up.Cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("uplink did not stop")
	}
}

func waitLastSeq(t *testing.T, ts *testutil.TestServer, streamID string, last uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		seqs := ts.Sink.Seqs(streamID)
		return len(seqs) > 0 && seqs[len(seqs)-1] == last
	}, 5*time.Second, 5*time.Millisecond)
}

// 真实 WebSocket 链路上反复断线，接收端最终拿到完整且无空洞的序列
func TestUplinkSurvivesDisconnects(t *testing.T) {
	ts := testutil.NewTestServer(t)
	source := testutil.NewManualSource(256)
	up := uplink.New(source, ts.Dialer(), uplinkConfig("cam-e2e"), nil)
	errCh := runUplink(up)

	source.EmitN(20, 1024)
	waitLastSeq(t, ts, "cam-e2e", 20)

	assert.Equal(t, 1, ts.ForceDisconnectAll())
	source.EmitN(20, 1024)
	waitLastSeq(t, ts, "cam-e2e", 40)

	ts.DropAll()
	source.EmitN(10, 1024)
	waitLastSeq(t, ts, "cam-e2e", 50)

	stopUplink(t, up, errCh)

	testutil.NewStreamAssertions(t).AssertContiguous(ts.Sink.Seqs("cam-e2e"), 1, 50)

	stats, ok := ts.Stream("cam-e2e")
	require.True(t, ok)
	assert.Zero(t, stats.Gaps)
	assert.GreaterOrEqual(t, stats.Sessions, uint64(3))
	assert.GreaterOrEqual(t, up.Stats().Reconnects, uint64(2))
}

// 接收端不回确认时以写入完成作为投递依据
func TestUplinkWithoutAcks(t *testing.T) {
	ts := testutil.NewTestServer(t, func(c *ingest.Config) { c.Acks = false })
	source := testutil.NewManualSource(64)
	up := uplink.New(source, ts.Dialer(), uplinkConfig("cam-noack"), nil)
	errCh := runUplink(up)

	source.EmitN(30, 512)
	waitLastSeq(t, ts, "cam-noack", 30)
	stopUplink(t, up, errCh)

	testutil.NewStreamAssertions(t).AssertContiguous(ts.Sink.Seqs("cam-noack"), 1, 30)
	assert.Equal(t, uint64(30), up.Stats().Sent)
}

func TestWebSocketURLPath(t *testing.T) {
	ts := testutil.NewTestServer(t, func(c *ingest.Config) { c.Path = "/ingest" })
	assert.True(t, strings.HasSuffix(ts.GetWebSocketURL(), "/ingest"))

	conn := dialRaw(t, ts.GetWebSocketURL())
	assert.True(t, hello(t, conn, "cam", 1).OK)
}

// 同一 stream id 的上行链路重启后，接收端继续存储新的数据块
func TestUplinkRestartWithSameStreamID(t *testing.T) {
	ts := testutil.NewTestServer(t)

	source := testutil.NewManualSource(64)
	up := uplink.New(source, ts.Dialer(), uplinkConfig("cam-fixed"), nil)
	errCh := runUplink(up)
	source.EmitN(10, 256)
	waitLastSeq(t, ts, "cam-fixed", 10)
	stopUplink(t, up, errCh)

	source = testutil.NewManualSource(64)
	up = uplink.New(source, ts.Dialer(), uplinkConfig("cam-fixed"), nil)
	errCh = runUplink(up)
	source.EmitN(6, 256)
	waitLastSeq(t, ts, "cam-fixed", 16)
	stopUplink(t, up, errCh)

	testutil.NewStreamAssertions(t).AssertContiguous(ts.Sink.Seqs("cam-fixed"), 1, 16)

	stats, ok := ts.Stream("cam-fixed")
	require.True(t, ok)
	assert.Zero(t, stats.Duplicates)
	assert.Zero(t, stats.Gaps)
	assert.Equal(t, uint64(6), up.Stats().Sent)
}
