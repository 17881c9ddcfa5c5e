package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SyntheticCapture 按固定码率产生确定性测试数据的采集设备
type SyntheticCapture struct {
	ByteRate int           // 每秒字节数
	Tick     time.Duration // 产出粒度，默认50ms
	Limit    int64         // 总字节上限，0 表示无限
	StartErr error         // 非空时 Start 失败，模拟权限被拒

	mu       sync.Mutex
	ticker   *time.Ticker
	stopped  chan struct{}
	stopOnce sync.Once
	pos      int64
}

// NewSyntheticCapture 创建测试图案采集设备
func NewSyntheticCapture(byteRate int) *SyntheticCapture {
	return &SyntheticCapture{
		ByteRate: byteRate,
		Tick:     50 * time.Millisecond,
	}
}

// Start 启动采集
func (s *SyntheticCapture) Start(ctx context.Context) error {
	if s.StartErr != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, s.StartErr)
	}
	if s.ByteRate <= 0 {
		return fmt.Errorf("%w: byte rate must be positive", ErrCaptureUnavailable)
	}

	tick := s.Tick
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped == nil {
		s.stopped = make(chan struct{})
	}
	select {
	case <-s.stopped:
		return fmt.Errorf("%w: capture already stopped", ErrCaptureUnavailable)
	default:
	}
	s.ticker = time.NewTicker(tick)
	return nil
}

// Read 每个 tick 产出 ByteRate*Tick 字节，内容为递增字节图案
func (s *SyntheticCapture) Read(p []byte) (int, error) {
	s.mu.Lock()
	ticker, stopped := s.ticker, s.stopped
	s.mu.Unlock()

	if ticker == nil {
		return 0, errors.New("synthetic capture not started")
	}

	select {
	case <-stopped:
		return 0, io.EOF
	case <-ticker.C:
	}

	tick := s.Tick
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	n := int(int64(s.ByteRate) * int64(tick) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	if n > len(p) {
		n = len(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Limit > 0 {
		remaining := s.Limit - s.pos
		if remaining <= 0 {
			return 0, io.EOF
		}
		if int64(n) > remaining {
			n = int(remaining)
		}
	}

	for i := 0; i < n; i++ {
		p[i] = byte(s.pos + int64(i))
	}
	s.pos += int64(n)

	return n, nil
}

// Stop 停止采集，可重复调用
func (s *SyntheticCapture) Stop() error {
	s.mu.Lock()
	if s.stopped == nil {
		s.stopped = make(chan struct{})
	}
	stopped, ticker := s.stopped, s.ticker
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(stopped)
		if ticker != nil {
			ticker.Stop()
		}
	})
	return nil
}

// Opener 打开一个字节流，例如标准输入或外部编码器的管道
type Opener func(ctx context.Context) (io.ReadCloser, error)

// ReaderCapture 把任意字节流当作采集设备
type ReaderCapture struct {
	open Opener

	mu       sync.Mutex
	rc       io.ReadCloser
	stopOnce sync.Once
}

// NewReaderCapture 创建基于字节流的采集设备
func NewReaderCapture(open Opener) *ReaderCapture {
	return &ReaderCapture{open: open}
}

// FileOpener 打开本地文件或命名管道
func FileOpener(path string) Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// StdinOpener 使用标准输入
func StdinOpener() Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(os.Stdin), nil
	}
}

// Start 打开字节流
func (c *ReaderCapture) Start(ctx context.Context) error {
	rc, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	c.mu.Lock()
	c.rc = rc
	c.mu.Unlock()
	return nil
}

// Read 读取字节流
func (c *ReaderCapture) Read(p []byte) (int, error) {
	c.mu.Lock()
	rc := c.rc
	c.mu.Unlock()

	if rc == nil {
		return 0, io.ErrClosedPipe
	}
	return rc.Read(p)
}

// Stop 关闭字节流
func (c *ReaderCapture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		rc := c.rc
		c.mu.Unlock()

		if rc != nil {
			err = rc.Close()
		}
	})
	return err
}
