// Package uplink 把数据块源与传输会话组合起来：有界缓冲、背压、
// 全抖动指数退避重连，并保证按序送达。
package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"LiveUplink/internal/chunk"
	"LiveUplink/internal/transport"
)

var (
	ErrRetryCeilingExceeded   = errors.New("retry ceiling exceeded")
	ErrBufferOverflowEviction = errors.New("buffer overflow eviction")
	ErrAlreadyRunning         = errors.New("uplink already running")
)

// Config 上行链路配置
type Config struct {
	Capacity        int   // 缓冲数据块上限
	MaxBytes        int64 // 缓冲字节上限，0 表示不限
	Session         transport.Config
	Backoff         BackoffConfig
	FlushTimeout    time.Duration // 关闭时尽力发送剩余数据的时限
	ConfirmInterval time.Duration // 轮询会话确认进度的间隔
	EventBuffer     int
}

// DefaultConfig 返回默认配置：30个数据块约为30秒媒体
func DefaultConfig(streamID string) Config {
	return Config{
		Capacity:        30,
		MaxBytes:        64 * 1024 * 1024,
		Session:         transport.DefaultConfig(streamID),
		Backoff:         DefaultBackoffConfig(),
		FlushTimeout:    5 * time.Second,
		ConfirmInterval: 200 * time.Millisecond,
		EventBuffer:     64,
	}
}

// Stats 统计快照
type Stats struct {
	State              string `json:"state"`
	Emitted            uint64 `json:"emitted"`
	Sent               uint64 `json:"sent"`
	Evicted            uint64 `json:"evicted"`
	Reconnects         uint64 `json:"reconnects"`
	BackpressurePauses uint64 `json:"backpressure_pauses"`
	DroppedEvents      uint64 `json:"dropped_events"`
	Delivered          uint64 `json:"delivered"`
	Buffered           int64  `json:"buffered"`
	BufferedBytes      int64  `json:"buffered_bytes"`
}

type connectResult struct {
	sess *transport.Session
	err  error
}

// Uplink 上行链路。一个事件循环独占缓冲区，所有输入经由通道到达
type Uplink struct {
	config Config
	source chunk.Source
	dialer transport.Dialer
	logger *zap.Logger

	state  atomic.Int32
	events chan Event

	running    atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	finishOnce sync.Once
	result     error

	// 统计
	emitted       atomic.Uint64
	sent          atomic.Uint64
	evicted       atomic.Uint64
	reconnects    atomic.Uint64
	pauses        atomic.Uint64
	droppedEvents atomic.Uint64
	delivered     atomic.Uint64
	buffered      atomic.Int64
	bufferedBytes atomic.Int64

	// 以下字段仅由事件循环访问
	buf           *Buffer
	sess          *transport.Session
	paused        bool
	retry         backoff.BackOff
	jitter        *FullJitter
	attempts      int
	retryTimer    *time.Timer
	connecting    bool
	connectCancel context.CancelFunc
	connectResult chan connectResult
	everConnected bool

	// 本地序列号从1开始。首次握手时接收端若已有该流的数据，
	// 之后发送的序列号整体平移到接收端进度之后
	seqBase  uint64
	seqBased bool
}

// New 创建上行链路
func New(source chunk.Source, dialer transport.Dialer, config Config, logger *zap.Logger) *Uplink {
	if source == nil {
		panic("source cannot be nil")
	}
	if dialer == nil {
		panic("dialer cannot be nil")
	}

	defaults := DefaultConfig(config.Session.StreamID)
	if config.Capacity <= 0 {
		config.Capacity = defaults.Capacity
	}
	if config.MaxBytes < 0 {
		config.MaxBytes = 0
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if config.ConfirmInterval <= 0 {
		config.ConfirmInterval = defaults.ConfirmInterval
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	retry, jitter := newRetryPolicy(config.Backoff)

	return &Uplink{
		config:        config,
		source:        source,
		dialer:        dialer,
		logger:        logger.Named("uplink").With(zap.String("stream_id", config.Session.StreamID)),
		events:        make(chan Event, config.EventBuffer),
		cancelCh:      make(chan struct{}),
		done:          make(chan struct{}),
		buf:           NewBuffer(config.Capacity, config.MaxBytes),
		retry:         retry,
		jitter:        jitter,
		connectResult: make(chan connectResult, 1),
	}
}

// Run 启动数据源并运行事件循环，直到完成或出现致命错误。
// 正常结束返回 nil；致命错误为 chunk.ErrCaptureUnavailable 或 ErrRetryCeilingExceeded
func (u *Uplink) Run(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if u.cancelled() {
		u.finish(nil)
		return nil
	}

	if err := u.source.Start(ctx); err != nil {
		if u.cancelled() && !errors.Is(err, chunk.ErrCaptureUnavailable) {
			// Cancel 与启动并发，按正常结束处理
			u.logger.Info("uplink cancelled during start", zap.Error(err))
			u.finish(nil)
			return nil
		}
		u.logger.Error("source start failed", zap.Error(err))
		u.finish(err)
		return err
	}

	err := u.loop(ctx)
	u.finish(err)
	return err
}

// Cancel 主动停止，可重复调用。返回后数据源不再产生数据块
func (u *Uplink) Cancel() {
	u.cancelOnce.Do(func() {
		close(u.cancelCh)
		u.stopSource()
	})
}

func (u *Uplink) stopSource() {
	if err := u.source.Stop(); err != nil {
		u.logger.Warn("source stop failed", zap.Error(err))
	}
}

func (u *Uplink) cancelled() bool {
	select {
	case <-u.cancelCh:
		return true
	default:
		return false
	}
}

// Done 在上行链路终止时关闭
func (u *Uplink) Done() <-chan struct{} {
	return u.done
}

// Wait 等待终止并返回结果
func (u *Uplink) Wait() error {
	<-u.done
	return u.result
}

// Events 返回事件通道，终止后关闭。宿主消费过慢时普通事件会被丢弃
func (u *Uplink) Events() <-chan Event {
	return u.events
}

// State 获取当前状态
func (u *Uplink) State() State {
	return State(u.state.Load())
}

// Stats 返回统计快照
func (u *Uplink) Stats() Stats {
	return Stats{
		State:              u.State().String(),
		Emitted:            u.emitted.Load(),
		Sent:               u.sent.Load(),
		Evicted:            u.evicted.Load(),
		Reconnects:         u.reconnects.Load(),
		BackpressurePauses: u.pauses.Load(),
		DroppedEvents:      u.droppedEvents.Load(),
		Delivered:          u.delivered.Load(),
		Buffered:           u.buffered.Load(),
		BufferedBytes:      u.bufferedBytes.Load(),
	}
}

// loop 事件循环
func (u *Uplink) loop(ctx context.Context) error {
	chunks := u.source.Chunks()

	ticker := time.NewTicker(u.config.ConfirmInterval)
	defer ticker.Stop()

	u.startConnect(ctx)

	for {
		var (
			sessDone <-chan struct{}
			writable <-chan struct{}
			retry    <-chan time.Time
		)
		if u.sess != nil {
			sessDone = u.sess.Done()
			if u.paused {
				writable = u.sess.Writable()
			}
		}
		if u.retryTimer != nil {
			retry = u.retryTimer.C
		}

		select {
		case c, ok := <-chunks:
			if !ok {
				if err := u.source.Err(); err != nil {
					u.logger.Warn("source ended", zap.Error(err))
				} else {
					u.logger.Info("source ended")
				}
				return u.shutdown(ctx, nil)
			}
			u.accept(c)
			u.pump()

		case res := <-u.connectResult:
			if err := u.handleConnect(res); err != nil {
				return u.abort(err)
			}

		case <-sessDone:
			if err := u.handleSessionEnd(); err != nil {
				return u.abort(err)
			}

		case <-writable:
			u.paused = false
			u.publish(Event{Kind: EventBackpressure, Paused: false})
			u.pump()

		case <-retry:
			u.retryTimer = nil
			u.startConnect(ctx)

		case <-ticker.C:
			if u.sess != nil {
				u.release(u.toLocal(u.sess.Delivered()))
			}

		case <-u.cancelCh:
			u.logger.Info("uplink cancelled")
			return u.shutdown(ctx, chunks)

		case <-ctx.Done():
			u.logger.Info("context done", zap.Error(ctx.Err()))
			u.stopSource()
			return u.shutdown(ctx, chunks)
		}
	}
}

// accept 把新数据块放入缓冲区，必要时淘汰最旧的数据块
func (u *Uplink) accept(c chunk.Chunk) {
	u.emitted.Add(1)

	// 先释放已确认的数据块，避免淘汰已送达的数据
	if u.sess != nil {
		u.release(u.toLocal(u.sess.Delivered()))
	}

	evicted, err := u.buf.Push(c)
	if err != nil {
		u.evicted.Add(1)
		u.logger.Warn("chunk rejected", zap.Uint64("seq", c.Seq), zap.Error(err))
		u.publish(Event{Kind: EventEviction, Seq: c.Seq, Err: err})
		return
	}

	for _, e := range evicted {
		u.evicted.Add(1)
		u.logger.Warn("buffer overflow, evicting oldest chunk",
			zap.Uint64("seq", e.Seq),
			zap.Int("capacity", u.config.Capacity))
		u.publish(Event{Kind: EventEviction, Seq: e.Seq, Err: ErrBufferOverflowEviction})
	}
	u.syncBuffer()
}

// pump 按序把未提交的数据块交给当前会话
func (u *Uplink) pump() {
	if u.sess == nil || u.paused {
		return
	}

	for {
		c, ok := u.buf.Next()
		if !ok {
			return
		}

		err := u.sess.Send(u.toWire(c))
		switch {
		case err == nil:
			u.buf.MarkOffered()
		case errors.Is(err, transport.ErrBackpressure):
			u.paused = true
			u.pauses.Add(1)
			u.logger.Debug("session backpressure", zap.Int("queue_depth", u.sess.QueueDepth()))
			u.publish(Event{Kind: EventBackpressure, Paused: true})
			return
		default:
			// 会话已不可用，等待 Done 触发重连
			return
		}
	}
}

// release 丢弃已确认的数据块
func (u *Uplink) release(seq uint64) {
	if n := u.buf.Confirm(seq); n > 0 {
		u.sent.Add(uint64(n))
	}
	if seq > u.delivered.Load() {
		u.delivered.Store(seq)
	}
	u.syncBuffer()
}

func (u *Uplink) syncBuffer() {
	u.buffered.Store(int64(u.buf.Len()))
	u.bufferedBytes.Store(u.buf.Bytes())
}

// nextSeq 新会话握手时报告的下一个序列号
func (u *Uplink) nextSeq() uint64 {
	if head, ok := u.buf.Head(); ok {
		return head.Seq
	}
	return u.buf.LastSeq() + 1
}

// resumeAfter 返回握手确认的本地恢复点。首次握手时接收端已有的进度
// 来自之前的运行，本次的数据块接在其后发送而不是被当作已送达
func (u *Uplink) resumeAfter(sess *transport.Session) uint64 {
	remote := sess.ResumeAfter()
	if !u.seqBased {
		u.seqBased = true
		if remote > 0 {
			u.seqBase = remote
			u.logger.Info("receiver already has stream data, continuing its numbering",
				zap.Uint64("receiver_last_seq", remote))
		}
	}
	return u.toLocal(remote)
}

// toLocal 把接收端序列号换算为本地序列号
func (u *Uplink) toLocal(seq uint64) uint64 {
	if seq <= u.seqBase {
		return 0
	}
	return seq - u.seqBase
}

// toWire 把数据块序列号换算为发送到接收端的序列号
func (u *Uplink) toWire(c chunk.Chunk) chunk.Chunk {
	c.Seq += u.seqBase
	return c
}

// startConnect 异步建立新会话，结果经 connectResult 返回
func (u *Uplink) startConnect(ctx context.Context) {
	if u.connecting {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	u.connecting = true
	u.connectCancel = cancel
	u.setState(StateConnecting)

	sess := transport.New(u.dialer, u.config.Session, u.logger)
	next := u.nextSeq() + u.seqBase

	go func() {
		err := sess.Connect(connCtx, next)
		u.connectResult <- connectResult{sess: sess, err: err}
	}()
}

// handleConnect 处理建连结果
func (u *Uplink) handleConnect(res connectResult) error {
	u.connecting = false
	u.connectCancel()
	u.connectCancel = nil

	if res.err != nil {
		u.logger.Warn("connect failed", zap.Int("attempt", u.attempts+1), zap.Error(res.err))
		return u.scheduleReconnect(res.err)
	}

	u.sess = res.sess
	u.paused = false
	if u.everConnected {
		u.reconnects.Add(1)
	}
	u.everConnected = true
	u.attempts = 0
	u.retry.Reset()

	// 接收端已有的数据块不再重发
	resume := u.resumeAfter(res.sess)
	u.release(resume)
	u.buf.Rewind()

	u.setState(StateStreaming)
	u.logger.Info("connected",
		zap.String("session_id", res.sess.ID()),
		zap.Uint64("resume_after", resume),
		zap.Int("buffered", u.buf.Len()))
	u.publish(Event{Kind: EventConnected, SessionID: res.sess.ID(), Seq: resume})

	u.pump()
	return nil
}

// handleSessionEnd 会话故障或被对端关闭：保留缓冲区并安排重连
func (u *Uplink) handleSessionEnd() error {
	sess := u.sess
	u.sess = nil
	u.paused = false

	u.release(u.toLocal(sess.Delivered()))
	u.buf.Rewind()

	cause := sess.Err()
	if cause == nil {
		cause = transport.ErrPeerClosed
	}
	u.logger.Warn("session ended",
		zap.String("session_id", sess.ID()),
		zap.String("state", sess.State().String()),
		zap.Uint64("delivered", sess.Delivered()),
		zap.Int("buffered", u.buf.Len()),
		zap.Error(cause))

	return u.scheduleReconnect(cause)
}

// scheduleReconnect 按全抖动退避安排下一次建连
func (u *Uplink) scheduleReconnect(cause error) error {
	delay := u.retry.NextBackOff()
	if delay == backoff.Stop {
		return fmt.Errorf("%w: %d consecutive failures: %v", ErrRetryCeilingExceeded, u.attempts+1, cause)
	}

	u.attempts++
	u.retryTimer = time.NewTimer(delay)
	u.setState(StateBackoff)

	u.logger.Info("reconnect scheduled",
		zap.Int("attempt", u.attempts),
		zap.Duration("delay", delay),
		zap.Duration("ceiling", u.jitter.Ceiling()))
	u.publish(Event{
		Kind:    EventReconnectScheduled,
		Attempt: u.attempts,
		Delay:   delay,
		Ceiling: u.jitter.Ceiling(),
		Err:     cause,
	})
	return nil
}

// shutdown 主动结束：停止数据源，在 FlushTimeout 内尽力发送剩余数据后关闭会话
func (u *Uplink) shutdown(ctx context.Context, chunks <-chan chunk.Chunk) error {
	u.setState(StateDraining)
	u.stopSource()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.config.FlushTimeout)
	defer cancel()

	// 收取数据源停止前已产生的数据块
	for chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			u.accept(c)
		case <-flushCtx.Done():
			chunks = nil
		}
	}

	if u.retryTimer != nil {
		u.retryTimer.Stop()
		u.retryTimer = nil
	}

	// 没有可用会话时尝试一次立即建连
	if u.sess == nil && !u.connecting && u.buf.Len() > 0 {
		u.startConnect(flushCtx)
	}
	if u.connecting {
		select {
		case res := <-u.connectResult:
			u.connecting = false
			u.connectCancel()
			u.connectCancel = nil
			if res.err == nil {
				u.sess = res.sess
				u.release(u.resumeAfter(res.sess))
				u.buf.Rewind()
			}
		case <-flushCtx.Done():
			u.abortConnect()
		}
	}

	if u.sess != nil {
		u.flush(flushCtx)
		if err := u.sess.Close(flushCtx); err != nil {
			u.logger.Debug("session close", zap.Error(err))
		}
		u.release(u.toLocal(u.sess.Delivered()))
		u.sess = nil
	}

	if n := u.buf.Len(); n > 0 {
		u.logger.Warn("shutdown with undelivered chunks", zap.Int("remaining", n))
	}
	return nil
}

// flush 把剩余数据块全部提交给会话
func (u *Uplink) flush(ctx context.Context) {
	u.paused = false
	for {
		u.pump()
		if u.buf.Pending() == 0 {
			return
		}

		select {
		case <-u.sess.Writable():
			u.paused = false
		case <-u.sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// abort 致命错误：停止数据源并释放连接
func (u *Uplink) abort(err error) error {
	u.logger.Error("uplink failed", zap.Error(err))
	u.stopSource()

	if u.retryTimer != nil {
		u.retryTimer.Stop()
		u.retryTimer = nil
	}
	u.abortConnect()

	if u.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), u.config.FlushTimeout)
		u.sess.Close(ctx)
		cancel()
		u.sess = nil
	}
	return err
}

// abortConnect 取消进行中的建连并回收结果
func (u *Uplink) abortConnect() {
	if !u.connecting {
		return
	}
	u.connectCancel()
	res := <-u.connectResult
	u.connecting = false
	u.connectCancel = nil

	if res.err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res.sess.Close(ctx)
		cancel()
	}
}

// finish 记录结果、发布终止事件并关闭通道，只执行一次
func (u *Uplink) finish(err error) {
	u.finishOnce.Do(func() {
		u.result = err
		remaining := u.buf.Len()

		if err != nil {
			u.setState(StateFailed)
			u.publishTerminal(Event{Kind: EventFailed, Err: err, Remaining: remaining})
		} else {
			u.setState(StateStopped)
			u.publishTerminal(Event{Kind: EventCompleted, Remaining: remaining})
		}

		u.logger.Info("uplink finished",
			zap.Uint64("emitted", u.emitted.Load()),
			zap.Uint64("sent", u.sent.Load()),
			zap.Uint64("evicted", u.evicted.Load()),
			zap.Uint64("reconnects", u.reconnects.Load()),
			zap.Int("remaining", remaining),
			zap.Error(err))

		close(u.events)
		close(u.done)
	})
}

// setState 设置状态并发布变化事件
func (u *Uplink) setState(newState State) {
	oldState := State(u.state.Swap(int32(newState)))
	if oldState != newState {
		u.publish(Event{Kind: EventStateChange, State: newState})
	}
}

// publish 非阻塞发布事件，通道满时丢弃
func (u *Uplink) publish(e Event) {
	e.Time = time.Now()
	select {
	case u.events <- e:
	default:
		u.droppedEvents.Add(1)
	}
}

// publishTerminal 终止事件必须送达，必要时挤掉最旧的事件
func (u *Uplink) publishTerminal(e Event) {
	e.Time = time.Now()
	for {
		select {
		case u.events <- e:
			return
		default:
		}
		select {
		case <-u.events:
			u.droppedEvents.Add(1)
		default:
		}
	}
}
