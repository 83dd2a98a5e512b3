package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/calder/duplex/pkg/rpc"
)

func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// tcpConn frames each message with a 4-byte big-endian length prefix.
type tcpConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn}
}

func (c *tcpConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	return nil
}

func (c *tcpConn) Receive() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("connection closed")
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("connection closed")
		}
		return nil, err
	}
	return data, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// ServerTransport accepts length-prefixed TCP connections.
type ServerTransport struct {
	Port     int
	NoDelay  bool
	listener net.Listener
	connCh   chan rpc.Conn
	mu       sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Port:    config.Port,
		NoDelay: config.NoDelay,
		connCh:  make(chan rpc.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Port))
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

func (t *ServerTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			continue
		}

		if err := setNoDelay(conn, t.NoDelay); err != nil {
			conn.Close()
			continue
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- newTCPConn(conn):
			default:
				conn.Close()
			}
		} else {
			conn.Close()
		}
		t.mu.Unlock()
	}
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

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport dials length-prefixed TCP connections.
type ClientTransport struct {
	Host    string
	Port    int
	NoDelay bool
}

type ClientTransportConfig struct {
	Host    string
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:    config.Host,
		Port:    config.Port,
		NoDelay: config.NoDelay,
	}
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return nil, err
	}

	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return newTCPConn(conn), nil
}
