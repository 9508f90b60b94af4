package hub

import (
	"io"
	"sync"
)

// Pipe returns two connected in-process FrameConns.
func Pipe() (FrameConn, FrameConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once, name: "pipe-a"},
		&pipeConn{in: ab, out: ba, done: done, once: once, name: "pipe-b"}
}

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
	name string
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) RemoteAddr() string { return p.name }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
