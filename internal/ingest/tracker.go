package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"LiveUplink/internal/sink"
)

// StreamStats 单个流的接收统计
type StreamStats struct {
	StreamID      string    `json:"stream_id"`
	LastSeq       uint64    `json:"last_seq"`
	Accepted      uint64    `json:"accepted"`
	Duplicates    uint64    `json:"duplicates"`
	Gaps          uint64    `json:"gaps"`
	Bytes         uint64    `json:"bytes"`
	Sessions      uint64    `json:"sessions"`
	LastSessionID string    `json:"last_session_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// stream 串行化同一个流的写入。旧连接尚未断开时新连接可能已经握手，两者共享这里的进度
type stream struct {
	mu    sync.Mutex
	stats StreamStats
}

func (s *stream) lastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.LastSeq
}

func (s *stream) attach(sessionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Sessions++
	s.stats.LastSessionID = sessionID
	s.stats.UpdatedAt = time.Now()
	return s.stats.LastSeq
}

// ingest 接收一个数据块。序列号不大于已接收进度的视为重复直接丢弃；
// 跳号计入空洞。返回是否重复以及本次新增的空洞数
func (s *stream) ingest(ctx context.Context, sk sink.Sink, rec sink.Record) (bool, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.stats.LastSeq
	if rec.Seq <= last {
		s.stats.Duplicates++
		return true, 0, nil
	}

	if err := sk.Write(ctx, rec); err != nil {
		return false, 0, fmt.Errorf("sink write %s/%d failed: %w", rec.StreamID, rec.Seq, err)
	}

	var gap uint64
	if rec.Seq > last+1 {
		gap = rec.Seq - last - 1
		s.stats.Gaps += gap
	}
	s.stats.LastSeq = rec.Seq
	s.stats.Accepted++
	s.stats.Bytes += uint64(len(rec.Data))
	s.stats.UpdatedAt = rec.ReceivedAt
	return false, gap, nil
}

func (s *stream) snapshot() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// registry 流进度表，首次出现的流从可恢复的存储中读取进度
type registry struct {
	mu      sync.Mutex
	streams map[string]*stream
	resumer sink.Resumer
}

func newRegistry(sk sink.Sink) *registry {
	r := &registry{streams: make(map[string]*stream)}
	if resumer, ok := sk.(sink.Resumer); ok {
		r.resumer = resumer
	}
	return r
}

func (r *registry) get(ctx context.Context, streamID string) (*stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.streams[streamID]; ok {
		return st, nil
	}

	st := &stream{stats: StreamStats{StreamID: streamID}}
	if r.resumer != nil {
		last, ok, err := r.resumer.LastSeq(ctx, streamID)
		if err != nil {
			return nil, fmt.Errorf("load progress of %s failed: %w", streamID, err)
		}
		if ok {
			st.stats.LastSeq = last
		}
	}
	r.streams[streamID] = st
	return st, nil
}

func (r *registry) lookup(streamID string) (StreamStats, bool) {
	r.mu.Lock()
	st, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return StreamStats{}, false
	}
	return st.snapshot(), true
}

func (r *registry) all() []StreamStats {
	r.mu.Lock()
	streams := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mu.Unlock()

	out := make([]StreamStats, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.snapshot())
	}
	return out
}
