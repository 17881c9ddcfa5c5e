// Package sink 接收端数据块的落地存储
package sink

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("sink closed")
	ErrInvalidStream = errors.New("invalid stream id")
)

// Record 接收端收到的一个数据块
type Record struct {
	StreamID   string
	SessionID  string
	Seq        uint64
	ReceivedAt time.Time
	Data       []byte
}

// Sink 数据块存储。同一个流的 Write 调用按序列号递增顺序到达
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Resumer 能报告流已持久化的最大序列号，接收端重启后据此回答握手
type Resumer interface {
	LastSeq(ctx context.Context, streamID string) (uint64, bool, error)
}
