package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"LiveUplink/internal/chunk"
	"LiveUplink/internal/protocol"
)

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateFaulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// Config 会话配置
type Config struct {
	StreamID         string
	ClientVersion    string
	QueueSize        int // 发送队列容量
	LowWater         int // 队列深度低于该值时解除背压，至少为1
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig(streamID string) Config {
	return Config{
		StreamID:         streamID,
		ClientVersion:    "1.0.0",
		QueueSize:        16,
		LowWater:         4,
		HandshakeTimeout: 10 * time.Second,
		DrainTimeout:     5 * time.Second,
	}
}

// Session 一条逻辑连接。由单个写协程负责全部socket写入
type Session struct {
	id     string
	config Config
	dialer Dialer
	logger *zap.Logger

	state         atomic.Int32
	onStateChange StateChangeHandler
	connected     atomic.Bool

	mu     sync.Mutex // 保护 conn 与 cancel 的初始化
	conn   Conn
	runCtx context.Context
	cancel context.CancelFunc

	queue      chan chunk.Chunk
	writable   chan struct{}
	wantWake   atomic.Bool
	drainCh    chan struct{}
	drainOnce  sync.Once
	writerDone chan struct{}

	// 确认相关
	acks        bool
	remoteID    string
	resumeAfter atomic.Uint64
	lastWritten atomic.Uint64
	delivered   atomic.Uint64
	ackNotify   chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// New 创建会话，需调用 Connect 建立连接
func New(dialer Dialer, config Config, logger *zap.Logger) *Session {
	if dialer == nil {
		panic("dialer cannot be nil")
	}

	defaults := DefaultConfig(config.StreamID)
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.LowWater <= 0 || config.LowWater > config.QueueSize {
		config.LowWater = max(config.QueueSize/4, 1)
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	return &Session{
		id:         id,
		config:     config,
		dialer:     dialer,
		logger:     logger.Named("session").With(zap.String("session_id", id)),
		queue:      make(chan chunk.Chunk, config.QueueSize),
		writable:   make(chan struct{}, 1),
		drainCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
		ackNotify:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID 返回本地会话标识
func (s *Session) ID() string {
	return s.id
}

// RemoteID 返回接收端分配的会话标识
func (s *Session) RemoteID() string {
	return s.remoteID
}

// SetStateChangeHandler 设置状态变化处理器，须在 Connect 前调用
func (s *Session) SetStateChangeHandler(handler StateChangeHandler) {
	s.onStateChange = handler
}

// Connect 拨号并完成握手。nextSeq 为调用方下一个待发送的序列号
func (s *Session) Connect(ctx context.Context, nextSeq uint64) error {
	if !s.connected.CompareAndSwap(false, true) || s.State() != StateConnecting {
		return fmt.Errorf("%w: connect called in state %s", ErrSessionNotOpen, s.State())
	}

	hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(hsCtx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		s.finish(StateFaulted, err)
		return err
	}

	s.mu.Lock()
	if s.State() != StateConnecting {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: closed during dial", ErrSessionNotOpen)
	}
	s.conn = conn
	s.mu.Unlock()

	ack, err := s.handshake(hsCtx, nextSeq)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		s.finish(StateFaulted, err)
		return err
	}

	s.acks = ack.Acks
	s.remoteID = ack.SessionID
	s.resumeAfter.Store(ack.LastSeq)

	s.mu.Lock()
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	if !s.compareAndSwapState(StateConnecting, StateOpen) {
		// 握手期间被关闭，资源已由 finish 释放
		s.cancel()
		return fmt.Errorf("%w: closed during handshake", ErrSessionNotOpen)
	}

	s.logger.Info("session open",
		zap.String("stream_id", s.config.StreamID),
		zap.String("remote_session_id", ack.SessionID),
		zap.Uint64("resume_after", ack.LastSeq),
		zap.Bool("acks", ack.Acks))

	go s.writeLoop()
	go s.readLoop()

	return nil
}

// handshake 发送 hello 并等待 ack
func (s *Session) handshake(ctx context.Context, nextSeq uint64) (protocol.Ack, error) {
	hello, err := protocol.EncodeHello(protocol.Hello{
		StreamID:      s.config.StreamID,
		ClientVersion: s.config.ClientVersion,
		NextSeq:       nextSeq,
	})
	if err != nil {
		return protocol.Ack{}, err
	}

	if err := s.conn.WriteMessage(ctx, hello); err != nil {
		return protocol.Ack{}, fmt.Errorf("send hello failed: %w", err)
	}

	raw, err := s.conn.ReadMessage(ctx)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("read ack failed: %w", err)
	}

	ack, err := protocol.DecodeAck(raw)
	if err != nil {
		return protocol.Ack{}, err
	}
	if !ack.OK {
		return protocol.Ack{}, fmt.Errorf("rejected by receiver: %s", ack.Reason)
	}

	return ack, nil
}

// Send 把数据块放入发送队列，从不阻塞。队列满时返回 ErrBackpressure
func (s *Session) Send(c chunk.Chunk) error {
	if st := s.State(); st != StateOpen {
		return fmt.Errorf("%w: state %s", ErrSessionNotOpen, st)
	}

	select {
	case s.queue <- c:
		return nil
	default:
	}

	s.wantWake.Store(true)
	// 写协程可能已在标记前排空队列
	s.maybeWake()
	return ErrBackpressure
}

// Writable 在被拒绝的发送之后，队列深度降到低水位以下时收到信号
func (s *Session) Writable() <-chan struct{} {
	return s.writable
}

func (s *Session) maybeWake() {
	if len(s.queue) >= s.config.LowWater {
		return
	}
	if s.wantWake.CompareAndSwap(true, false) {
		select {
		case s.writable <- struct{}{}:
		default:
		}
	}
}

// Close 主动关闭：排空队列后进入 Closed，可重复调用
func (s *Session) Close(ctx context.Context) error {
	switch {
	case s.compareAndSwapState(StateConnecting, StateClosed):
		s.finish(StateClosed, nil)
		return nil
	case s.compareAndSwapState(StateOpen, StateDraining):
		s.drain(ctx, nil)
		return nil
	default:
		// 正在排空或已终止
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
}

// drain 停止接收新数据，在 DrainTimeout 内把队列写完后关闭
func (s *Session) drain(ctx context.Context, reason error) {
	s.drainOnce.Do(func() { close(s.drainCh) })

	timer := time.NewTimer(s.config.DrainTimeout)
	defer timer.Stop()

	select {
	case <-s.writerDone:
		if reason == nil {
			s.awaitAcks(ctx, timer.C)
		}
	case <-timer.C:
		s.logger.Warn("drain timeout", zap.Int("queue_depth", len(s.queue)))
	case <-ctx.Done():
	}

	s.finish(StateClosed, reason)
}

// awaitAcks 启用逐块确认时等待最后写出的数据块被确认
func (s *Session) awaitAcks(ctx context.Context, timeout <-chan time.Time) {
	if !s.acks {
		return
	}

	for s.delivered.Load() < s.lastWritten.Load() {
		select {
		case <-s.ackNotify:
		case <-s.done:
			return
		case <-timeout:
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop 单写协程
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case c := <-s.queue:
			if !s.write(c) {
				return
			}
		case <-s.drainCh:
			for {
				select {
				case c := <-s.queue:
					if !s.write(c) {
						return
					}
				default:
					return
				}
			}
		case <-s.runCtx.Done():
			return
		}
	}
}

func (s *Session) write(c chunk.Chunk) bool {
	s.maybeWake()

	frame := protocol.EncodeFrame(c.Seq, c.Data)
	if err := s.conn.WriteMessage(s.runCtx, frame); err != nil {
		if !s.fault(err) {
			s.logger.Debug("write failed while draining", zap.Uint64("seq", c.Seq), zap.Error(err))
		}
		return false
	}

	s.lastWritten.Store(c.Seq)
	if !s.acks {
		s.advanceDelivered(c.Seq)
	}
	return true
}

// readLoop 读取接收端的确认与关闭
func (s *Session) readLoop() {
	for {
		raw, err := s.conn.ReadMessage(s.runCtx)
		if err != nil {
			// 不在 Open 状态时是本端关闭导致的读取失败
			if errors.Is(err, ErrPeerClosed) {
				if s.compareAndSwapState(StateOpen, StateDraining) {
					s.logger.Info("peer closed session, draining")
					s.drain(context.Background(), ErrPeerClosed)
				}
			} else {
				s.fault(err)
			}
			return
		}

		seq, _, err := protocol.DecodeFrame(raw)
		if err != nil || seq != protocol.ControlSeq {
			s.logger.Debug("ignoring unexpected frame from receiver", zap.Error(err))
			continue
		}

		ack, err := protocol.DecodeAck(raw)
		if err != nil {
			s.logger.Debug("ignoring malformed control frame", zap.Error(err))
			continue
		}
		if !ack.OK {
			s.fault(fmt.Errorf("receiver reported error: %s", ack.Reason))
			return
		}
		if s.acks {
			s.advanceDelivered(ack.LastSeq)
		}
	}
}

func (s *Session) advanceDelivered(seq uint64) {
	for {
		cur := s.delivered.Load()
		if seq <= cur {
			return
		}
		if s.delivered.CompareAndSwap(cur, seq) {
			break
		}
	}

	select {
	case s.ackNotify <- struct{}{}:
	default:
	}
}

// fault 仅从 Open 进入 Faulted。已开始排空或关闭时返回 false，
// 主动关闭不会被随后的I/O错误改写为故障
func (s *Session) fault(cause error) bool {
	if !s.compareAndSwapState(StateOpen, StateFaulted) {
		return false
	}
	s.finish(StateFaulted, fmt.Errorf("%w: %v", ErrTransportFault, cause))
	return true
}

// finish 进入终止状态并释放资源，只执行一次
func (s *Session) finish(final State, err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		s.mu.Lock()
		cancel, conn := s.cancel, s.conn
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}

		if final == StateFaulted {
			s.logger.Warn("session faulted", zap.Error(err))
		} else {
			s.logger.Info("session closed", zap.Uint64("delivered", s.delivered.Load()))
		}

		s.setState(final)
		close(s.done)
	})
}

// Done 在会话进入 Faulted 或 Closed 时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 返回终止原因。Faulted 时包装 ErrHandshakeFailed 或 ErrTransportFault；
// 对端关闭时包装 ErrPeerClosed；主动关闭时为 nil
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Delivered 返回已确认送达的最大序列号
func (s *Session) Delivered() uint64 {
	return s.delivered.Load()
}

// ResumeAfter 返回握手时接收端报告的已接收最大序列号
func (s *Session) ResumeAfter() uint64 {
	return s.resumeAfter.Load()
}

// AcksEnabled 接收端是否发送逐块确认
func (s *Session) AcksEnabled() bool {
	return s.acks
}

// QueueDepth 返回发送队列中的数据块数
func (s *Session) QueueDepth() int {
	return len(s.queue)
}

// State 获取当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// setState 设置状态
func (s *Session) setState(newState State) {
	oldState := State(s.state.Swap(int32(newState)))
	if oldState != newState && s.onStateChange != nil {
		s.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (s *Session) compareAndSwapState(oldState, newState State) bool {
	swapped := s.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && s.onStateChange != nil {
		s.onStateChange(oldState, newState)
	}
	return swapped
}

// GetStats 获取会话统计信息
func (s *Session) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   s.id,
		"stream_id":    s.config.StreamID,
		"state":        s.State().String(),
		"queue_depth":  len(s.queue),
		"delivered":    s.delivered.Load(),
		"last_written": s.lastWritten.Load(),
		"resume_after": s.resumeAfter.Load(),
	}
}
