// Package chunk 定义媒体数据块以及产生数据块的源
package chunk

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCaptureUnavailable 采集设备无法获取（权限或硬件），不可重试
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrCaptureEnded 采集在产生数据后结束（设备拔出、权限撤销或数据读完）
	ErrCaptureEnded = errors.New("capture ended")
	// ErrAlreadyStarted 源不可重复启动
	ErrAlreadyStarted = errors.New("source already started")
	// ErrSourceStopped 启动前或启动过程中已被停止，属于正常结束
	ErrSourceStopped = errors.New("source stopped")
)

// Chunk 一个带序列号的不可变数据块
type Chunk struct {
	Seq        uint64    // 从1开始单调递增
	CapturedAt time.Time // 本块最后一段数据的采集时间
	Data       []byte
}

// Len 返回数据块字节数
func (c Chunk) Len() int {
	return len(c.Data)
}

// Source 周期性产生数据块的源
//
// Start 只能调用一次；采集不可用时返回包装了 ErrCaptureUnavailable 的错误，
// 且不会产生任何数据块。之后的失败以 Chunks 通道关闭的形式出现，
// 通过 Err 区分正常停止（nil）与采集结束（ErrCaptureEnded）。
type Source interface {
	Start(ctx context.Context) error
	Chunks() <-chan Chunk
	Err() error
	Stop() error
}

// Capture 采集设备协作者
type Capture interface {
	// Start 获取设备，失败时应返回 ErrCaptureUnavailable
	Start(ctx context.Context) error
	// Read 读取采集到的数据，io.EOF 表示正常结束
	Read(p []byte) (int, error)
	// Stop 释放设备，可重复调用
	Stop() error
}
