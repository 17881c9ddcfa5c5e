package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：序列号(8字节) + 数据长度(4字节)
	FrameHeaderSize = 12
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 16 * 1024 * 1024 // 16MB
	// 最小帧大小（只有头部）
	MinFrameSize = FrameHeaderSize

	// ControlSeq 控制帧使用的序列号，数据帧序列号从1开始
	ControlSeq uint64 = 0
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// Frame 表示一个完整的协议帧
type Frame struct {
	Seq     uint64 // 序列号，0 表示控制帧
	Payload []byte // 数据块或控制消息
}

// IsControl 是否为控制帧
func (f Frame) IsControl() bool {
	return f.Seq == ControlSeq
}

// EncodeFrame 将序列号和数据编码为二进制帧格式
// 帧格式: | seq(8字节) | length(4字节) | payload(变长) |
func EncodeFrame(seq uint64, payload []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(payload))

	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)

	return buf
}

// DecodeFrame 从一条完整消息中解码出序列号和数据
func DecodeFrame(raw []byte) (seq uint64, payload []byte, err error) {
	if len(raw) < MinFrameSize {
		return 0, nil, ErrFrameTooSmall
	}

	if len(raw) > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	seq = binary.BigEndian.Uint64(raw[0:8])
	length := binary.BigEndian.Uint32(raw[8:12])

	// 验证帧完整性
	expected := FrameHeaderSize + int(length)
	if len(raw) != expected {
		return 0, nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidFrame, expected, len(raw))
	}

	if length > 0 {
		payload = make([]byte, length)
		copy(payload, raw[FrameHeaderSize:])
	}

	return seq, payload, nil
}

// FrameDecoder 从字节流中逐步解码帧（用于分段文件和流式读取）
type FrameDecoder struct {
	buffer    []byte
	frameSize int
}

// NewFrameDecoder 创建新的帧解码器
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{
		buffer: make([]byte, 0, 4096),
	}
}

// Feed 向解码器输入数据
func (fd *FrameDecoder) Feed(data []byte) {
	fd.buffer = append(fd.buffer, data...)
}

// Next 尝试解码下一个完整的帧，数据不足时返回 (nil, nil)
func (fd *FrameDecoder) Next() (*Frame, error) {
	if fd.frameSize == 0 {
		if len(fd.buffer) < FrameHeaderSize {
			return nil, nil
		}

		length := binary.BigEndian.Uint32(fd.buffer[8:12])
		size := FrameHeaderSize + int(length)
		if size > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		fd.frameSize = size
	}

	if len(fd.buffer) < fd.frameSize {
		return nil, nil
	}

	seq, payload, err := DecodeFrame(fd.buffer[:fd.frameSize])
	if err != nil {
		return nil, err
	}

	// 移除已处理的数据，并压缩缓冲区避免无限增长
	rest := copy(fd.buffer, fd.buffer[fd.frameSize:])
	fd.buffer = fd.buffer[:rest]
	fd.frameSize = 0

	return &Frame{Seq: seq, Payload: payload}, nil
}

// Reset 重置解码器状态
func (fd *FrameDecoder) Reset() {
	fd.buffer = fd.buffer[:0]
	fd.frameSize = 0
}

// BufferSize 返回当前缓冲区大小
func (fd *FrameDecoder) BufferSize() int {
	return len(fd.buffer)
}
