package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/calder/duplex/pkg/rpc"
)

const defaultSubject = "duplex"

// natsConn is one half of an inbox pair. Each side publishes frames to
// the peer's inbox and receives on its own subscription. An empty
// payload is the close signal; real frames are never empty.
type natsConn struct {
	nc          *nats.Conn
	sendSubject string
	sub         *nats.Subscription

	recvCh chan []byte

	mu     sync.Mutex
	closed chan struct{}
	isDown bool
}

func newNatsConn(nc *nats.Conn, sendSubject string) *natsConn {
	return &natsConn{
		nc:          nc,
		sendSubject: sendSubject,
		recvCh:      make(chan []byte, 100),
		closed:      make(chan struct{}),
	}
}

func (c *natsConn) deliver(msg *nats.Msg) {
	select {
	case c.recvCh <- msg.Data:
	case <-c.closed:
	}
}

func (c *natsConn) Send(data []byte) error {
	c.mu.Lock()
	down := c.isDown
	c.mu.Unlock()
	if down {
		return fmt.Errorf("connection closed")
	}
	return c.nc.Publish(c.sendSubject, data)
}

func (c *natsConn) Receive() ([]byte, error) {
	select {
	case data := <-c.recvCh:
		if len(data) == 0 {
			c.shutdown(false)
			return nil, fmt.Errorf("connection closed")
		}
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *natsConn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *natsConn) shutdown(notifyPeer bool) {
	c.mu.Lock()
	if c.isDown {
		c.mu.Unlock()
		return
	}
	c.isDown = true
	c.mu.Unlock()

	if notifyPeer {
		c.nc.Publish(c.sendSubject, nil)
	}
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	close(c.closed)
}

// ServerTransport accepts connections brokered over a NATS subject. A
// client sends its inbox to "<subject>.connect"; the server replies with
// a fresh inbox of its own and the pair carries the connection.
type ServerTransport struct {
	URL     string
	Subject string
	nc      *nats.Conn
	sub     *nats.Subscription
	connCh  chan rpc.Conn
	mu      sync.Mutex
	closed  bool
}

type ServerTransportConfig struct {
	URL     string
	Subject string // Defaults to "duplex"
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	subject := config.Subject
	if subject == "" {
		subject = defaultSubject
	}
	return &ServerTransport{
		URL:     config.URL,
		Subject: subject,
		connCh:  make(chan rpc.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil {
		return fmt.Errorf("transport is already listening")
	}

	nc, err := nats.Connect(t.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := nc.Subscribe(t.Subject+".connect", t.handleConnect)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to connect subject: %w", err)
	}

	t.nc = nc
	t.sub = sub
	return nil
}

func (t *ServerTransport) handleConnect(msg *nats.Msg) {
	clientInbox := string(msg.Data)
	if clientInbox == "" || msg.Reply == "" {
		return
	}

	serverInbox := nats.NewInbox()
	conn := newNatsConn(t.nc, clientInbox)

	sub, err := t.nc.Subscribe(serverInbox, conn.deliver)
	if err != nil {
		return
	}
	conn.sub = sub

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		conn.Close()
		return
	}

	if err := msg.Respond([]byte(serverInbox)); err != nil {
		conn.Close()
		return
	}

	select {
	case t.connCh <- conn:
	default:
		conn.Close()
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

	if t.sub != nil {
		t.sub.Unsubscribe()
		t.sub = nil
	}
	if t.nc != nil {
		t.nc.Close()
		t.nc = nil
	}
	return nil
}

// ClientTransport dials a server brokered over a NATS subject.
type ClientTransport struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
	mu             sync.Mutex
	nc             *nats.Conn
}

type ClientTransportConfig struct {
	URL            string
	Subject        string        // Defaults to "duplex"
	ConnectTimeout time.Duration // Defaults to 5s
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	subject := config.Subject
	if subject == "" {
		subject = defaultSubject
	}
	timeout := config.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ClientTransport{
		URL:            config.URL,
		Subject:        subject,
		ConnectTimeout: timeout,
	}
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	t.mu.Lock()
	if t.nc == nil {
		nc, err := nats.Connect(t.URL)
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		t.nc = nc
	}
	nc := t.nc
	t.mu.Unlock()

	clientInbox := nats.NewInbox()
	conn := newNatsConn(nc, "")

	sub, err := nc.Subscribe(clientInbox, conn.deliver)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	conn.sub = sub

	reply, err := nc.Request(t.Subject+".connect", []byte(clientInbox), t.ConnectTimeout)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("connect handshake failed: %w", err)
	}
	serverInbox := string(reply.Data)
	if serverInbox == "" {
		sub.Unsubscribe()
		return nil, fmt.Errorf("connect handshake returned empty inbox")
	}

	conn.sendSubject = serverInbox
	return conn, nil
}
