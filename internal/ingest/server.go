// Package ingest 数据块接收端：WebSocket 接入、按流去重与空洞统计、落地到 sink
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"LiveUplink/internal/protocol"
	"LiveUplink/internal/sink"
)

var ErrServerClosed = errors.New("ingest server closed")

// Config 接收端配置
type Config struct {
	Addr              string
	GRPCAddr          string // 为空时不启动 gRPC 健康检查
	Path              string
	Acks              bool // 每个数据块回复确认
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxConnections    int
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
}

// DefaultConfig 返回默认配置
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:             addr,
		Path:             "/video-stream",
		Acks:             true,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      60 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		MaxConnections:   1000,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  4 * 1024,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt    time.Time
	FramesReceived atomic.Uint64
	BytesReceived  atomic.Uint64
	AcksSent       atomic.Uint64
	LastActivity   atomic.Int64 // unix nano
}

// Connection 一个上行连接
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	StreamID string // 握手后由连接自身的 goroutine 设置
	Remote   string
	Stats    *ConnectionStats

	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Server 接收端
type Server struct {
	config   *Config
	logger   *zap.Logger
	sink     sink.Sink
	upgrader websocket.Upgrader
	handler  http.Handler
	streams  *registry

	httpServer *http.Server
	grpc       *grpcHealth
	httpAddr   atomic.Value // net.Addr
	grpcAddr   atomic.Value // net.Addr
	ready      chan struct{}
	stopped    chan struct{}

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	isRunning    atomic.Bool
	closing      atomic.Bool
	shutdownOnce sync.Once

	// 统计信息
	totalConnections atomic.Uint64
	totalFrames      atomic.Uint64
	totalBytes       atomic.Uint64
	totalDuplicates  atomic.Uint64
	totalGaps        atomic.Uint64
	sinkErrors       atomic.Uint64
	startTime        time.Time
}

// New 创建接收端。sk 为空时使用内存存储
func New(config *Config, sk sink.Sink, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig(":8000")
	}
	if config.Path == "" {
		config.Path = "/video-stream"
	}
	if sk == nil {
		sk = sink.NewMemorySink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		logger: logger.Named("ingest"),
		sink:   sk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		streams:   newRegistry(sk),
		grpc:      newGRPCHealth(),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc(config.Path, s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/streams/{id}", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(router)

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 返回 HTTP 处理器，可直接挂到 httptest.Server
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready Run 完成端口监听后关闭
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr 返回 HTTP 实际监听地址，Ready 之前为 nil
func (s *Server) Addr() net.Addr {
	addr, _ := s.httpAddr.Load().(net.Addr)
	return addr
}

// GRPCAddr 返回 gRPC 实际监听地址
func (s *Server) GRPCAddr() net.Addr {
	addr, _ := s.grpcAddr.Load().(net.Addr)
	return addr
}

// Run 启动 HTTP 与 gRPC 监听，直到 ctx 取消或任一服务出错
func (s *Server) Run(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}
	if s.closing.Load() {
		return ErrServerClosed
	}

	httpLn, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s failed: %w", s.config.Addr, err)
	}
	s.httpAddr.Store(httpLn.Addr())

	var grpcLn net.Listener
	if s.config.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listen %s failed: %w", s.config.GRPCAddr, err)
		}
		s.grpcAddr.Store(grpcLn.Addr())
	}

	s.logger.Info("ingest server listening",
		zap.String("addr", httpLn.Addr().String()),
		zap.String("path", s.config.Path),
		zap.Bool("acks", s.config.Acks))
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("grpc health listening", zap.String("addr", grpcLn.Addr().String()))
			if err := s.grpc.serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopped:
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown 关闭所有连接和监听，可重复调用
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("shutting down ingest server")

		s.grpc.shutdown()
		s.closeAll(websocket.CloseGoingAway, "server shutdown")

		waited := make(chan struct{})
		go func() {
			s.connWg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			s.logger.Warn("connections still open at shutdown deadline")
		}

		if s.isRunning.Load() {
			err = s.httpServer.Shutdown(ctx)
		}
		s.grpc.stop(ctx)
		close(s.stopped)
	})
	return err
}

// ForceDisconnectAll 发送关闭帧后断开所有连接，客户端应重连并续传
func (s *Server) ForceDisconnectAll() int {
	s.logger.Info("force disconnecting all connections")
	return s.closeAll(websocket.CloseNormalClosure, "force disconnect")
}

// DropAll 不发送关闭帧直接断开底层连接，模拟网络故障
func (s *Server) DropAll() int {
	s.logger.Info("dropping all connections")
	n := 0
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		conn.closeOnce.Do(func() {
			s.release(conn)
			conn.Conn.NetConn().Close()
		})
		n++
		return true
	})
	return n
}

func (s *Server) closeAll(code int, reason string) int {
	n := 0
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), code, reason)
		n++
		return true
	})
	return n
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	wsConn.SetReadLimit(int64(protocol.MaxFrameSize))

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:     uuid.NewString(),
		Conn:   wsConn,
		Remote: r.RemoteAddr,
		Stats:  &ConnectionStats{ConnectedAt: time.Now()},
		ctx:    ctx,
		cancel: cancel,
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connWg.Add(1)
	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	s.totalConnections.Add(1)

	// Shutdown 可能在登记之前完成遍历
	if s.closing.Load() {
		s.closeConnection(conn, websocket.CloseGoingAway, "server shutdown")
	}

	s.handleConnection(conn)
}

// handleConnection 处理单个连接的生命周期
func (s *Server) handleConnection(conn *Connection) {
	defer func() {
		s.closeConnection(conn, websocket.CloseNormalClosure, "connection ended")
		s.connWg.Done()
	}()

	st, ok := s.handshake(conn)
	if !ok {
		return
	}

	if s.config.IdleTimeout > 0 {
		conn.Conn.SetPingHandler(func(data string) error {
			conn.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
			err := conn.Conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		if s.config.IdleTimeout > 0 {
			conn.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		messageType, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read error", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		conn.Stats.LastActivity.Store(time.Now().UnixNano())
		if !s.handleFrame(conn, st, raw) {
			return
		}
	}
}

// handshake 读取 hello 并回复当前进度
func (s *Server) handshake(conn *Connection) (*stream, bool) {
	conn.Conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))

	messageType, raw, err := conn.Conn.ReadMessage()
	if err != nil {
		s.logger.Debug("read hello failed", zap.String("conn_id", conn.ID), zap.Error(err))
		return nil, false
	}
	if messageType != websocket.BinaryMessage {
		s.reject(conn, "", "expected binary hello")
		return nil, false
	}

	hello, err := protocol.DecodeHello(raw)
	if err != nil {
		s.reject(conn, "", err.Error())
		return nil, false
	}
	if hello.StreamID == "" {
		s.reject(conn, "", "stream id required")
		return nil, false
	}

	st, err := s.streams.get(conn.ctx, hello.StreamID)
	if err != nil {
		s.logger.Error("load stream progress failed", zap.String("stream_id", hello.StreamID), zap.Error(err))
		s.reject(conn, hello.StreamID, "progress unavailable")
		return nil, false
	}
	last := st.attach(conn.ID)
	conn.StreamID = hello.StreamID

	err = s.send(conn, protocol.Ack{
		StreamID:  hello.StreamID,
		SessionID: conn.ID,
		LastSeq:   last,
		OK:        true,
		Acks:      s.config.Acks,
	})
	if err != nil {
		s.logger.Debug("send handshake ack failed", zap.String("conn_id", conn.ID), zap.Error(err))
		return nil, false
	}

	s.logger.Info("stream attached",
		zap.String("conn_id", conn.ID),
		zap.String("stream_id", hello.StreamID),
		zap.String("client", hello.ClientVersion),
		zap.Uint64("next_seq", hello.NextSeq),
		zap.Uint64("last_seq", last),
		zap.String("remote", conn.Remote))
	return st, true
}

func (s *Server) reject(conn *Connection, streamID, reason string) {
	s.logger.Warn("handshake rejected", zap.String("conn_id", conn.ID), zap.String("reason", reason))
	s.send(conn, protocol.Ack{StreamID: streamID, SessionID: conn.ID, OK: false, Reason: reason})
}

// handleFrame 处理一个数据帧，返回 false 表示应断开连接
func (s *Server) handleFrame(conn *Connection, st *stream, raw []byte) bool {
	seq, payload, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.logger.Warn("decode frame failed", zap.String("conn_id", conn.ID), zap.Error(err))
		s.closeConnection(conn, websocket.CloseProtocolError, "bad frame")
		return false
	}
	if seq == protocol.ControlSeq {
		s.logger.Debug("ignoring control frame after handshake", zap.String("conn_id", conn.ID))
		return true
	}

	conn.Stats.FramesReceived.Add(1)
	conn.Stats.BytesReceived.Add(uint64(len(payload)))
	s.totalFrames.Add(1)

	dup, gap, err := st.ingest(conn.ctx, s.sink, sink.Record{
		StreamID:   conn.StreamID,
		SessionID:  conn.ID,
		Seq:        seq,
		ReceivedAt: time.Now(),
		Data:       payload,
	})
	if err != nil {
		s.sinkErrors.Add(1)
		s.logger.Error("store chunk failed", zap.String("stream_id", conn.StreamID), zap.Uint64("seq", seq), zap.Error(err))
		s.closeConnection(conn, websocket.CloseInternalServerErr, "store failed")
		return false
	}

	if dup {
		s.totalDuplicates.Add(1)
		s.logger.Debug("duplicate chunk dropped", zap.String("stream_id", conn.StreamID), zap.Uint64("seq", seq))
	} else {
		s.totalBytes.Add(uint64(len(payload)))
	}
	if gap > 0 {
		s.totalGaps.Add(gap)
		s.logger.Warn("sequence gap",
			zap.String("stream_id", conn.StreamID),
			zap.Uint64("seq", seq),
			zap.Uint64("missing", gap))
	}

	if !s.config.Acks {
		return true
	}
	if err := s.send(conn, protocol.Ack{StreamID: conn.StreamID, LastSeq: seq, OK: true, Acks: true}); err != nil {
		s.logger.Debug("send ack failed", zap.String("conn_id", conn.ID), zap.Error(err))
		return false
	}
	conn.Stats.AcksSent.Add(1)
	return true
}

func (s *Server) send(conn *Connection, ack protocol.Ack) error {
	frame, err := protocol.EncodeAck(ack)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Server) release(conn *Connection) {
	s.connections.Delete(conn.ID)
	s.connCount.Add(-1)
	conn.cancel()
}

// closeConnection 关闭连接，只生效一次
func (s *Server) closeConnection(conn *Connection, code int, reason string) {
	conn.closeOnce.Do(func() {
		s.release(conn)

		conn.writeMu.Lock()
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		conn.Conn.Close()
		conn.writeMu.Unlock()

		s.logger.Debug("connection closed",
			zap.String("conn_id", conn.ID),
			zap.String("reason", reason),
			zap.Uint64("frames", conn.Stats.FramesReceived.Load()))
	})
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, ok := s.streams.lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stream"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleControl 处理控制命令
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		n := s.ForceDisconnectAll()
		writeJSON(w, http.StatusOK, map[string]interface{}{"action": action, "connections": n})
	case "drop_all":
		n := s.DropAll()
		writeJSON(w, http.StatusOK, map[string]interface{}{"action": action, "connections": n})
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             !s.closing.Load(),
		"listening":           s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_frames":        s.totalFrames.Load(),
		"total_bytes":         s.totalBytes.Load(),
		"duplicates":          s.totalDuplicates.Load(),
		"gaps":                s.totalGaps.Load(),
		"sink_errors":         s.sinkErrors.Load(),
		"streams":             s.Streams(),
	}
}

// Streams 所有流的统计，按流 id 排序
func (s *Server) Streams() []StreamStats {
	all := s.streams.all()
	sort.Slice(all, func(i, j int) bool { return all[i].StreamID < all[j].StreamID })
	return all
}

// Stream 返回单个流的统计
func (s *Server) Stream(streamID string) (StreamStats, bool) {
	return s.streams.lookup(streamID)
}

// GetConnectionStats 获取连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)
	s.connections.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Connection).Stats
		return true
	})
	return stats
}
