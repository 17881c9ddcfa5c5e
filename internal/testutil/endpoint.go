// Package testutil 提供测试用的接收端、数据源与断言工具
package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"LiveUplink/internal/protocol"
	"LiveUplink/internal/transport"
)

// ErrEndpointDown 模拟接收端不可达
var ErrEndpointDown = errors.New("endpoint down: connection refused")

// FakeEndpoint 内存接收端，实现 transport.Dialer，可注入故障
type FakeEndpoint struct {
	acks bool

	mu        sync.Mutex
	down      bool
	failNext  int
	gate      chan struct{} // 非空时接收端暂停读取
	conns     []*transport.PipeConn
	lastSeq   map[string]uint64
	received  []uint64
	dupes     int
	gaps      uint64
	hellos    []protocol.Hello
	notify    chan struct{}
	dials     atomic.Int32
	handshake atomic.Int32
}

var _ transport.Dialer = (*FakeEndpoint)(nil)

// NewFakeEndpoint 创建接收端；acks 为 true 时逐块确认
func NewFakeEndpoint(acks bool) *FakeEndpoint {
	return &FakeEndpoint{
		acks:    acks,
		lastSeq: make(map[string]uint64),
		notify:  make(chan struct{}, 1),
	}
}

// Dial 建立内存连接
func (e *FakeEndpoint) Dial(ctx context.Context) (transport.Conn, error) {
	e.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return nil, ErrEndpointDown
	}
	if e.failNext > 0 {
		e.failNext--
		e.mu.Unlock()
		return nil, ErrEndpointDown
	}
	client, server := transport.Pipe()
	e.conns = append(e.conns, server)
	e.mu.Unlock()

	go e.serve(server)
	return client, nil
}

func (e *FakeEndpoint) serve(conn *transport.PipeConn) {
	ctx := context.Background()

	raw, err := conn.ReadMessage(ctx)
	if err != nil {
		return
	}
	hello, err := protocol.DecodeHello(raw)
	if err != nil {
		conn.Break(err)
		return
	}

	e.mu.Lock()
	e.hellos = append(e.hellos, hello)
	last := e.lastSeq[hello.StreamID]
	e.mu.Unlock()

	ack, _ := protocol.EncodeAck(protocol.Ack{
		StreamID:  hello.StreamID,
		SessionID: "fake",
		LastSeq:   last,
		OK:        true,
		Acks:      e.acks,
	})
	if err := conn.WriteMessage(ctx, ack); err != nil {
		return
	}
	e.handshake.Add(1)

	for {
		e.mu.Lock()
		gate := e.gate
		e.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-conn.Done():
				return
			}
		}

		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		seq, _, err := protocol.DecodeFrame(raw)
		if err != nil {
			conn.Break(err)
			return
		}

		e.mu.Lock()
		prev := e.lastSeq[hello.StreamID]
		switch {
		case seq <= prev:
			e.dupes++
		default:
			if seq > prev+1 {
				e.gaps += seq - prev - 1
			}
			e.lastSeq[hello.StreamID] = seq
			e.received = append(e.received, seq)
		}
		e.mu.Unlock()

		select {
		case e.notify <- struct{}{}:
		default:
		}

		if e.acks {
			ack, _ := protocol.EncodeAck(protocol.Ack{StreamID: hello.StreamID, LastSeq: seq, OK: true, Acks: true})
			if err := conn.WriteMessage(ctx, ack); err != nil {
				return
			}
		}
	}
}

// SetDown 设置接收端是否拒绝连接
func (e *FakeEndpoint) SetDown(down bool) {
	e.mu.Lock()
	e.down = down
	e.mu.Unlock()
}

// FailNext 让接下来的 n 次拨号失败
func (e *FakeEndpoint) FailNext(n int) {
	e.mu.Lock()
	e.failNext = n
	e.mu.Unlock()
}

// Block 暂停读取，模拟慢速链路
func (e *FakeEndpoint) Block() {
	e.mu.Lock()
	if e.gate == nil {
		e.gate = make(chan struct{})
	}
	e.mu.Unlock()
}

// Unblock 恢复读取
func (e *FakeEndpoint) Unblock() {
	e.mu.Lock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
	e.mu.Unlock()
}

// Break 中断所有连接，模拟网络故障
func (e *FakeEndpoint) Break() {
	for _, conn := range e.takeConns() {
		conn.Break(io.ErrUnexpectedEOF)
	}
}

// CloseByPeer 正常关闭所有连接
func (e *FakeEndpoint) CloseByPeer() {
	for _, conn := range e.takeConns() {
		conn.Close()
	}
}

func (e *FakeEndpoint) takeConns() []*transport.PipeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns := e.conns
	e.conns = nil
	return conns
}

// Received 返回按到达顺序被接受的序列号
func (e *FakeEndpoint) Received() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.received...)
}

// Duplicates 返回重复到达的数据块数
func (e *FakeEndpoint) Duplicates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dupes
}

// Gaps 返回检测到的缺失数据块数
func (e *FakeEndpoint) Gaps() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gaps
}

// Hellos 返回收到的握手消息
func (e *FakeEndpoint) Hellos() []protocol.Hello {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Hello(nil), e.hellos...)
}

// Dials 返回拨号次数
func (e *FakeEndpoint) Dials() int {
	return int(e.dials.Load())
}

// Handshakes 返回完成握手的次数
func (e *FakeEndpoint) Handshakes() int {
	return int(e.handshake.Load())
}

// WaitReceived 等待至少收到 n 个数据块
func (e *FakeEndpoint) WaitReceived(t *testing.T, n int, timeout time.Duration) []uint64 {
	t.Helper()

	deadline := time.After(timeout)
	for {
		got := e.Received()
		if len(got) >= n {
			return got
		}
		select {
		case <-e.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d chunks, got %d: %v", n, len(got), got)
			return got
		}
	}
}
