package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"LiveUplink/internal/chunk"
)

// ManualSource 由测试手动驱动的数据源
type ManualSource struct {
	// StartErr 非空时 Start 返回包装了 ErrCaptureUnavailable 的错误
	StartErr error
	// StopErr 非空时 Stop 关闭数据源后返回该错误
	StopErr error

	chunks  chan chunk.Chunk
	started atomic.Bool
	starts  atomic.Int32
	stops   atomic.Int32

	mu     sync.Mutex
	seq    uint64
	closed bool
	err    error
}

var _ chunk.Source = (*ManualSource)(nil)

// NewManualSource 创建数据源，buffer 为输出通道容量
func NewManualSource(buffer int) *ManualSource {
	return &ManualSource{chunks: make(chan chunk.Chunk, buffer)}
}

func (s *ManualSource) Start(ctx context.Context) error {
	s.starts.Add(1)
	if !s.started.CompareAndSwap(false, true) {
		return chunk.ErrAlreadyStarted
	}
	if s.StartErr != nil {
		s.close(nil)
		return fmt.Errorf("%w: %v", chunk.ErrCaptureUnavailable, s.StartErr)
	}
	return nil
}

func (s *ManualSource) Chunks() <-chan chunk.Chunk {
	return s.chunks
}

func (s *ManualSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ManualSource) Stop() error {
	s.stops.Add(1)
	s.close(nil)
	return s.StopErr
}

// Emit 产生下一个数据块，源已关闭时返回 false
func (s *ManualSource) Emit(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.seq++
	// 持锁发送保证 Stop 返回后不再产生数据块，因此输出通道需留有余量
	s.chunks <- chunk.Chunk{Seq: s.seq, CapturedAt: time.Now(), Data: data}
	return true
}

// EmitN 连续产生 n 个数据块，返回最后一个序列号
func (s *ManualSource) EmitN(n, size int) uint64 {
	var last uint64
	for i := 0; i < n; i++ {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + j)
		}
		if !s.Emit(data) {
			break
		}
		last = s.LastSeq()
	}
	return last
}

// End 以给定原因结束数据源，err 为 nil 时包装 ErrCaptureEnded
func (s *ManualSource) End(err error) {
	if err == nil {
		err = chunk.ErrCaptureEnded
	} else {
		err = fmt.Errorf("%w: %v", chunk.ErrCaptureEnded, err)
	}
	s.close(err)
}

func (s *ManualSource) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.chunks)
}

// LastSeq 返回最后产生的序列号
func (s *ManualSource) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Starts 返回 Start 调用次数
func (s *ManualSource) Starts() int {
	return int(s.starts.Load())
}

// Stops 返回 Stop 调用次数
func (s *ManualSource) Stops() int {
	return int(s.stops.Load())
}

// Closed 数据源是否已终止
func (s *ManualSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
