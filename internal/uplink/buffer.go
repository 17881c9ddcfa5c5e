package uplink

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"

	"LiveUplink/internal/chunk"
)

var (
	ErrOutOfOrder    = errors.New("chunk out of order")
	ErrChunkTooLarge = errors.New("chunk exceeds buffer byte limit")
)

// Buffer 未确认数据块的有界FIFO，按序列号有序。
// 前 offered 个元素已提交给当前会话。非并发安全，仅由事件循环访问
type Buffer struct {
	q        *queue.Queue
	capacity int
	maxBytes int64

	bytes   int64
	offered int
	lastSeq uint64
}

// NewBuffer 创建缓冲区；maxBytes 为 0 表示不限制字节数
func NewBuffer(capacity int, maxBytes int64) *Buffer {
	if capacity <= 0 {
		panic("buffer capacity must be positive")
	}
	return &Buffer{
		q:        queue.New(),
		capacity: capacity,
		maxBytes: maxBytes,
	}
}

// Push 追加到队尾，超出容量时从队首淘汰并返回被淘汰的数据块
func (b *Buffer) Push(c chunk.Chunk) ([]chunk.Chunk, error) {
	if b.lastSeq != 0 && c.Seq <= b.lastSeq {
		return nil, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, c.Seq, b.lastSeq)
	}
	if b.maxBytes > 0 && int64(c.Len()) > b.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, c.Len(), b.maxBytes)
	}

	b.q.Add(c)
	b.bytes += int64(c.Len())
	b.lastSeq = c.Seq

	var evicted []chunk.Chunk
	for b.q.Length() > b.capacity || (b.maxBytes > 0 && b.bytes > b.maxBytes) {
		evicted = append(evicted, b.removeHead())
	}
	return evicted, nil
}

func (b *Buffer) removeHead() chunk.Chunk {
	c := b.q.Remove().(chunk.Chunk)
	b.bytes -= int64(c.Len())
	if b.offered > 0 {
		b.offered--
	}
	return c
}

// Next 返回下一个尚未提交给会话的数据块
func (b *Buffer) Next() (chunk.Chunk, bool) {
	if b.offered >= b.q.Length() {
		return chunk.Chunk{}, false
	}
	return b.q.Get(b.offered).(chunk.Chunk), true
}

// MarkOffered 把 Next 返回的数据块标记为已提交
func (b *Buffer) MarkOffered() {
	if b.offered < b.q.Length() {
		b.offered++
	}
}

// Rewind 会话结束后从队首重新提交
func (b *Buffer) Rewind() {
	b.offered = 0
}

// Confirm 丢弃序列号不大于 seq 的数据块，返回丢弃数量
func (b *Buffer) Confirm(seq uint64) int {
	n := 0
	for b.q.Length() > 0 && b.q.Peek().(chunk.Chunk).Seq <= seq {
		b.removeHead()
		n++
	}
	return n
}

// Head 返回队首数据块
func (b *Buffer) Head() (chunk.Chunk, bool) {
	if b.q.Length() == 0 {
		return chunk.Chunk{}, false
	}
	return b.q.Peek().(chunk.Chunk), true
}

// LastSeq 返回最后追加的序列号
func (b *Buffer) LastSeq() uint64 {
	return b.lastSeq
}

func (b *Buffer) Len() int {
	return b.q.Length()
}

func (b *Buffer) Bytes() int64 {
	return b.bytes
}

// Offered 已提交但未确认的数据块数
func (b *Buffer) Offered() int {
	return b.offered
}

// Pending 尚未提交的数据块数
func (b *Buffer) Pending() int {
	return b.q.Length() - b.offered
}

// Seqs 按顺序返回缓冲区中的序列号
func (b *Buffer) Seqs() []uint64 {
	seqs := make([]uint64, b.q.Length())
	for i := range seqs {
		seqs[i] = b.q.Get(i).(chunk.Chunk).Seq
	}
	return seqs
}
