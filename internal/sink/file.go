package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"LiveUplink/internal/protocol"
)

const (
	SegmentExt = ".seg"
	IndexExt   = ".idx"
)

var ErrTruncatedSegment = errors.New("segment ends with a partial frame")

// IndexEntry 索引文件中的一条记录，描述分段文件中一个帧的位置
type IndexEntry struct {
	Seq        uint64 `cbor:"1,keyasint"`
	Offset     int64  `cbor:"2,keyasint"`
	Length     uint32 `cbor:"3,keyasint"`
	ReceivedAt int64  `cbor:"4,keyasint"` // unix 纳秒
}

// Time 返回接收时间
func (e IndexEntry) Time() time.Time {
	return time.Unix(0, e.ReceivedAt)
}

// FileSinkConfig 文件存储配置
type FileSinkConfig struct {
	Dir   string
	Fsync bool // 每次写入后同步到磁盘
}

// FileSink 每个流一对文件：分段文件按线上格式保存数据帧，索引文件保存 CBOR 编码的帧位置
type FileSink struct {
	config FileSinkConfig
	enc    cbor.EncMode
	dec    cbor.DecMode

	mu      sync.Mutex
	streams map[string]*segmentWriter
	closed  bool
}

type segmentWriter struct {
	seg     *os.File
	idx     *os.File
	offset  int64
	lastSeq uint64
	hasLast bool
}

var (
	_ Sink    = (*FileSink)(nil)
	_ Resumer = (*FileSink)(nil)
)

// NewFileSink 创建文件存储，目录不存在时自动创建
func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if config.Dir == "" {
		return nil, errors.New("sink directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory failed: %w", err)
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}

	return &FileSink{
		config:  config,
		enc:     enc,
		dec:     dec,
		streams: make(map[string]*segmentWriter),
	}, nil
}

// SegmentPath 返回流的分段文件路径
func SegmentPath(dir, streamID string) string {
	return filepath.Join(dir, sanitize(streamID)+SegmentExt)
}

// IndexPath 返回流的索引文件路径
func IndexPath(dir, streamID string) string {
	return filepath.Join(dir, sanitize(streamID)+IndexExt)
}

func sanitize(streamID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, streamID)
}

func (s *FileSink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	w, err := s.open(rec.StreamID)
	if err != nil {
		return err
	}

	frame := protocol.EncodeFrame(rec.Seq, rec.Data)
	if _, err := w.seg.Write(frame); err != nil {
		return fmt.Errorf("write segment failed: %w", err)
	}

	entry, err := s.enc.Marshal(IndexEntry{
		Seq:        rec.Seq,
		Offset:     w.offset,
		Length:     uint32(len(rec.Data)),
		ReceivedAt: rec.ReceivedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode index entry failed: %w", err)
	}
	if _, err := w.idx.Write(entry); err != nil {
		return fmt.Errorf("write index failed: %w", err)
	}

	if s.config.Fsync {
		if err := w.seg.Sync(); err != nil {
			return err
		}
		if err := w.idx.Sync(); err != nil {
			return err
		}
	}

	w.offset += int64(len(frame))
	w.lastSeq = rec.Seq
	w.hasLast = true
	return nil
}

// open 打开或恢复流的文件。已有文件时以索引为准，截掉未被索引覆盖的尾部
func (s *FileSink) open(streamID string) (*segmentWriter, error) {
	if w, ok := s.streams[streamID]; ok {
		return w, nil
	}
	if sanitize(streamID) == "" {
		return nil, ErrInvalidStream
	}

	idxPath := IndexPath(s.config.Dir, streamID)
	entries, indexed, err := s.readIndex(idxPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	w := &segmentWriter{}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		w.offset = last.Offset + protocol.FrameHeaderSize + int64(last.Length)
		w.lastSeq = last.Seq
		w.hasLast = true
	}

	seg, err := os.OpenFile(SegmentPath(s.config.Dir, streamID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment failed: %w", err)
	}
	idx, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("open index failed: %w", err)
	}

	if err := truncateAndSeek(seg, w.offset); err != nil {
		seg.Close()
		idx.Close()
		return nil, err
	}
	if err := truncateAndSeek(idx, indexed); err != nil {
		seg.Close()
		idx.Close()
		return nil, err
	}

	w.seg, w.idx = seg, idx
	s.streams[streamID] = w
	return w, nil
}

func truncateAndSeek(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s failed: %w", f.Name(), err)
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s failed: %w", f.Name(), err)
	}
	return nil
}

func (s *FileSink) LastSeq(ctx context.Context, streamID string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.streams[streamID]; ok {
		return w.lastSeq, w.hasLast, nil
	}

	entries, _, err := s.readIndex(IndexPath(s.config.Dir, streamID))
	if errors.Is(err, os.ErrNotExist) || len(entries) == 0 {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return entries[len(entries)-1].Seq, true, nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, w := range s.streams {
		errs = append(errs, w.seg.Close(), w.idx.Close())
	}
	s.streams = nil
	return errors.Join(errs...)
}

// readIndex 读取索引，末尾不完整的条目被忽略。返回完整条目占用的字节数
func (s *FileSink) readIndex(path string) ([]IndexEntry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return decodeIndex(s.dec, f)
}

func decodeIndex(dm cbor.DecMode, r io.Reader) ([]IndexEntry, int64, error) {
	dec := dm.NewDecoder(r)

	var (
		entries []IndexEntry
		read    int64
	)
	for {
		var e IndexEntry
		err := dec.Decode(&e)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, read, nil
		}
		if err != nil {
			return entries, read, fmt.Errorf("decode index entry %d failed: %w", len(entries), err)
		}
		entries = append(entries, e)
		read = int64(dec.NumBytesRead())
	}
}

// ReadIndex 读取索引文件
func ReadIndex(path string) ([]IndexEntry, error) {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, _, err := decodeIndex(dm, f)
	return entries, err
}

// ReadSegment 用流式帧解码器重新解析分段文件
func ReadSegment(path string) ([]protocol.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := protocol.NewFrameDecoder()
	buf := make([]byte, 32*1024)
	var frames []protocol.Frame
	for {
		n, err := f.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				frame, derr := decoder.Next()
				if derr != nil {
					return frames, derr
				}
				if frame == nil {
					break
				}
				frames = append(frames, *frame)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return frames, err
		}
	}

	if decoder.BufferSize() > 0 {
		return frames, fmt.Errorf("%w: %d trailing bytes", ErrTruncatedSegment, decoder.BufferSize())
	}
	return frames, nil
}

// VerifyReport 分段文件与索引的一致性检查结果
type VerifyReport struct {
	Frames     int
	Indexed    int
	Bytes      int64
	FirstSeq   uint64
	LastSeq    uint64
	Gaps       uint64
	Mismatches []string
}

// OK 分段与索引完全一致
func (r VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Verify 检查流的分段文件和索引是否一致，并统计序列号空洞
func Verify(dir, streamID string) (VerifyReport, error) {
	var report VerifyReport

	frames, err := ReadSegment(SegmentPath(dir, streamID))
	if err != nil {
		return report, err
	}
	entries, err := ReadIndex(IndexPath(dir, streamID))
	if err != nil {
		return report, err
	}

	report.Frames = len(frames)
	report.Indexed = len(entries)
	if len(frames) != len(entries) {
		report.Mismatches = append(report.Mismatches,
			fmt.Sprintf("segment has %d frames, index has %d entries", len(frames), len(entries)))
	}

	var offset int64
	for i, frame := range frames {
		if i == 0 {
			report.FirstSeq = frame.Seq
		} else if frame.Seq > report.LastSeq+1 {
			report.Gaps += frame.Seq - report.LastSeq - 1
		}
		report.LastSeq = frame.Seq

		if i < len(entries) {
			e := entries[i]
			if e.Seq != frame.Seq || e.Offset != offset || int(e.Length) != len(frame.Payload) {
				report.Mismatches = append(report.Mismatches,
					fmt.Sprintf("entry %d: index {seq=%d off=%d len=%d}, segment {seq=%d off=%d len=%d}",
						i, e.Seq, e.Offset, e.Length, frame.Seq, offset, len(frame.Payload)))
			}
		}
		offset += protocol.FrameHeaderSize + int64(len(frame.Payload))
	}
	report.Bytes = offset
	return report, nil
}
