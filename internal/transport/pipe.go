package transport

import (
	"context"
	"sync"
)

// pipe 内存中的双向消息管道，两端共享关闭状态
type pipe struct {
	closed chan struct{}
	once   sync.Once
	reason error
}

func (p *pipe) shutdown(reason error) {
	p.once.Do(func() {
		p.reason = reason
		close(p.closed)
	})
}

// PipeConn 内存管道的一端
type PipeConn struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

var _ Conn = (*PipeConn)(nil)

// Pipe 创建一对相互连接的内存 Conn。写入在对端读取前阻塞
func Pipe() (*PipeConn, *PipeConn) {
	p := &pipe{closed: make(chan struct{})}
	ab := make(chan []byte)
	ba := make(chan []byte)

	return &PipeConn{p: p, in: ba, out: ab}, &PipeConn{p: p, in: ab, out: ba}
}

func (c *PipeConn) WriteMessage(ctx context.Context, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-c.p.closed:
		return c.p.reason
	default:
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.p.closed:
		return c.p.reason
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.p.closed:
		return nil, c.p.reason
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 正常关闭，两端后续读写都返回 ErrPeerClosed
func (c *PipeConn) Close() error {
	c.p.shutdown(ErrPeerClosed)
	return nil
}

// Break 以给定错误中断管道，模拟网络故障
func (c *PipeConn) Break(err error) {
	c.p.shutdown(err)
}

// Done 在管道关闭或中断后关闭
func (c *PipeConn) Done() <-chan struct{} {
	return c.p.closed
}
