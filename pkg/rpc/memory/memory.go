package memory

import (
	"fmt"
	"sync"

	"github.com/calder/duplex/pkg/rpc"
)

// memConn is one end of an in-process channel pair. Both ends share the
// closed channel, so closing either side tears down both.
type memConn struct {
	sendCh chan []byte
	recvCh chan []byte

	closed    chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory transport channels. Frames sent
// on one end arrive on the other in order.
func Pipe() (rpc.Conn, rpc.Conn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}

	left := &memConn{sendCh: a, recvCh: b, closed: closed, closeOnce: once}
	right := &memConn{sendCh: b, recvCh: a, closed: closed, closeOnce: once}
	return left, right
}

func (c *memConn) Send(data []byte) error {
	// frames are immutable once handed over; copy to decouple from the
	// caller's buffer reuse
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.sendCh <- buf:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection closed")
	}
}

func (c *memConn) Receive() ([]byte, error) {
	select {
	case data := <-c.recvCh:
		return data, nil
	case <-c.closed:
		// drain frames that raced the close
		select {
		case data := <-c.recvCh:
			return data, nil
		default:
		}
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// ServerTransport accepts in-process connections from its paired
// ClientTransport.
type ServerTransport struct {
	connCh chan rpc.Conn
	mu     sync.Mutex
	closed bool
}

// ClientTransport dials its paired ServerTransport.
type ClientTransport struct {
	server *ServerTransport
}

// NewPair returns a linked transport pair for hosting a server and its
// clients inside one process.
func NewPair() (*ServerTransport, *ClientTransport) {
	server := &ServerTransport{
		connCh: make(chan rpc.Conn, 16),
	}
	return server, &ClientTransport{server: server}
}

func (t *ServerTransport) Listen() error {
	return nil
}

func (t *ServerTransport) Accept() (rpc.Conn, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, fmt.Errorf("transport is closed")
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.connCh)
	return nil
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	clientEnd, serverEnd := Pipe()

	t.server.mu.Lock()
	if t.server.closed {
		t.server.mu.Unlock()
		return nil, fmt.Errorf("transport is closed")
	}
	select {
	case t.server.connCh <- serverEnd:
	default:
		t.server.mu.Unlock()
		return nil, fmt.Errorf("accept queue is full")
	}
	t.server.mu.Unlock()

	return clientEnd, nil
}
