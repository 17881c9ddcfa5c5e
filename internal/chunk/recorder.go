package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RecorderConfig 录制器配置
type RecorderConfig struct {
	Interval    time.Duration // 切块间隔
	ReadSize    int           // 单次读取缓冲大小
	ChunkBuffer int           // 输出通道容量
}

// DefaultRecorderConfig 返回默认配置，与浏览器 MediaRecorder.start(1000) 一致
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Interval:    time.Second,
		ReadSize:    32 * 1024,
		ChunkBuffer: 4,
	}
}

// Recorder 把采集设备的连续字节流按时间间隔切成数据块
type Recorder struct {
	cfg     RecorderConfig
	capture Capture
	logger  *zap.Logger

	chunks chan Chunk
	stopCh chan struct{}
	done   chan struct{}

	started   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	err error
	seq uint64
}

var _ Source = (*Recorder)(nil)

// NewRecorder 创建录制器
func NewRecorder(capture Capture, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if capture == nil {
		panic("capture cannot be nil")
	}

	defaults := DefaultRecorderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaults.ReadSize
	}
	if cfg.ChunkBuffer < 0 {
		cfg.ChunkBuffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recorder{
		cfg:     cfg,
		capture: capture,
		logger:  logger.Named("recorder"),
		chunks:  make(chan Chunk, cfg.ChunkBuffer),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 启动采集设备并开始切块
func (r *Recorder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		if r.stopped() {
			return ErrSourceStopped
		}
		return ErrAlreadyStarted
	}

	if r.stopped() {
		r.finish(nil)
		return ErrSourceStopped
	}

	if err := r.capture.Start(ctx); err != nil {
		if r.stopped() {
			// Stop 与启动并发，采集设备已被释放
			r.finish(nil)
			return ErrSourceStopped
		}
		if !errors.Is(err, ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
		r.finish(err)
		return err
	}

	r.logger.Info("capture started", zap.Duration("interval", r.cfg.Interval))

	data := make(chan []byte)
	readErr := make(chan error, 1)

	go r.readLoop(data, readErr)
	go r.emitLoop(ctx, data, readErr)

	return nil
}

func (r *Recorder) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Chunks 返回数据块通道，源终止时关闭
func (r *Recorder) Chunks() <-chan Chunk {
	return r.chunks
}

// Err 返回终止原因；正常停止时为 nil
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop 停止切块并释放采集设备。返回后不会再产生任何数据块
func (r *Recorder) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		err = r.capture.Stop()
	})

	if r.started.CompareAndSwap(false, true) {
		// 从未启动，直接关闭输出
		r.finish(nil)
		return err
	}

	<-r.done
	return err
}

// readLoop 从采集设备持续读取数据
func (r *Recorder) readLoop(data chan<- []byte, readErr chan<- error) {
	buf := make([]byte, r.cfg.ReadSize)

	for {
		n, err := r.capture.Read(buf)
		if n > 0 {
			// 拷贝一份，保证每个数据块独立不可变
			piece := make([]byte, n)
			copy(piece, buf[:n])

			select {
			case data <- piece:
			case <-r.done:
				return
			}
		}

		if err != nil {
			readErr <- err
			return
		}
	}
}

// emitLoop 按间隔把累积的数据作为一个数据块发出
func (r *Recorder) emitLoop(ctx context.Context, data <-chan []byte, readErr <-chan error) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var (
		pending    []byte
		capturedAt time.Time
	)

	for {
		select {
		case <-r.stopCh:
			r.finish(nil)
			return

		case <-ctx.Done():
			r.capture.Stop()
			r.finish(nil)
			return

		case piece := <-data:
			pending = append(pending, piece...)
			capturedAt = time.Now()

		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			if !r.emit(ctx, pending, capturedAt) {
				r.finish(nil)
				return
			}
			pending = nil

		case err := <-readErr:
			// 把最后一段不足间隔的数据一并发出
			if len(pending) > 0 && !r.emit(ctx, pending, capturedAt) {
				r.finish(nil)
				return
			}

			r.capture.Stop()
			if errors.Is(err, io.EOF) {
				r.logger.Info("capture ended")
				r.finish(ErrCaptureEnded)
			} else {
				r.logger.Warn("capture failed", zap.Error(err))
				r.finish(fmt.Errorf("%w: %v", ErrCaptureEnded, err))
			}
			return
		}
	}
}

// emit 发出一个数据块，停止或取消时返回 false
func (r *Recorder) emit(ctx context.Context, payload []byte, capturedAt time.Time) bool {
	r.seq++
	c := Chunk{
		Seq:        r.seq,
		CapturedAt: capturedAt,
		Data:       payload,
	}

	select {
	case r.chunks <- c:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// finish 记录终止原因并关闭输出通道
func (r *Recorder) finish(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()

		close(r.chunks)
		close(r.done)
	})
}
