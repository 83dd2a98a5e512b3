package websocket

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calder/duplex/pkg/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn carries one frame per message. With TextFrames set it uses text
// frames, which pairs with the text wire mode for browser-readable
// traffic; otherwise frames are binary.
type wsConn struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	textFrames bool
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgType := websocket.BinaryMessage
	if c.textFrames {
		msgType = websocket.TextMessage
	}
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("connection closed")
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// ServerTransport upgrades HTTP requests on /rpc to websocket
// connections.
type ServerTransport struct {
	Port       int
	Path       string
	CertFile   string
	KeyFile    string
	TextFrames bool
	server     *http.Server
	connCh     chan rpc.Conn
	mu         sync.Mutex
	closed     bool
}

type ServerTransportConfig struct {
	Port       int
	Path       string // Defaults to /rpc
	CertFile   string // Optional: for TLS
	KeyFile    string // Optional: for TLS
	TextFrames bool   // Use text frames instead of binary
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	path := config.Path
	if path == "" {
		path = "/rpc"
	}
	return &ServerTransport{
		Port:       config.Port,
		Path:       path,
		CertFile:   config.CertFile,
		KeyFile:    config.KeyFile,
		TextFrames: config.TextFrames,
		connCh:     make(chan rpc.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return fmt.Errorf("transport is already listening")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.handleWebSocket)

	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.Port),
		Handler: mux,
	}

	go func() {
		var err error
		if t.CertFile != "" && t.KeyFile != "" {
			err = t.server.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = t.server.ListenAndServe()
		}
		_ = err
	}()

	return nil
}

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		conn.Close()
		return
	}

	select {
	case t.connCh <- &wsConn{conn: conn, textFrames: t.TextFrames}:
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

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// ClientTransport dials a websocket server.
type ClientTransport struct {
	Host       string
	Port       int
	Path       string
	TLSConfig  *tls.Config
	TextFrames bool
}

type ClientTransportConfig struct {
	Host       string
	Port       int
	Path       string      // Defaults to /rpc
	TLSConfig  *tls.Config // Optional: enables wss
	TextFrames bool        // Use text frames instead of binary
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	path := config.Path
	if path == "" {
		path = "/rpc"
	}
	return &ClientTransport{
		Host:       config.Host,
		Port:       config.Port,
		Path:       path,
		TLSConfig:  config.TLSConfig,
		TextFrames: config.TextFrames,
	}
}

func (t *ClientTransport) Connect() (rpc.Conn, error) {
	scheme := "ws"

	dialer := websocket.Dialer{}
	if t.TLSConfig != nil {
		dialer.TLSClientConfig = t.TLSConfig
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", t.Host, t.Port), Path: t.Path}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &wsConn{conn: conn, textFrames: t.TextFrames}, nil
}
