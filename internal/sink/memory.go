package sink

import (
	"context"
	"sync"
)

// MemorySink 内存存储，用于测试和演示
type MemorySink struct {
	mu      sync.RWMutex
	records map[string][]Record
	closed  bool
}

var (
	_ Sink    = (*MemorySink)(nil)
	_ Resumer = (*MemorySink)(nil)
)

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]Record)}
}

func (m *MemorySink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data
	m.records[rec.StreamID] = append(m.records[rec.StreamID], rec)
	return nil
}

func (m *MemorySink) LastSeq(ctx context.Context, streamID string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[streamID]
	if len(recs) == 0 {
		return 0, false, nil
	}
	return recs[len(recs)-1].Seq, true, nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records 返回流的全部记录副本
func (m *MemorySink) Records(streamID string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records[streamID]...)
}

// Seqs 返回流已存储的序列号
func (m *MemorySink) Seqs(streamID string) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[streamID]
	seqs := make([]uint64, len(recs))
	for i, r := range recs {
		seqs[i] = r.Seq
	}
	return seqs
}

// Streams 返回出现过的流
func (m *MemorySink) Streams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}
