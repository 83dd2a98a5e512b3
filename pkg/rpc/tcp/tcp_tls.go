package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/calder/duplex/pkg/rpc"
)

// ServerTransportTLS accepts length-prefixed TCP connections over TLS.
type ServerTransportTLS struct {
	Port     int
	NoDelay  bool
	CertFile string
	KeyFile  string
	listener net.Listener
	connCh   chan rpc.Conn
	mu       sync.Mutex
	closed   bool
}

type ServerTransportTLSConfig struct {
	Port     int
	NoDelay  bool
	CertFile string // Server certificate file (PEM)
	KeyFile  string // Server private key file (PEM)
}

func NewServerTransportTLS(config ServerTransportTLSConfig) *ServerTransportTLS {
	return &ServerTransportTLS{
		Port:     config.Port,
		NoDelay:  config.NoDelay,
		CertFile: config.CertFile,
		KeyFile:  config.KeyFile,
		connCh:   make(chan rpc.Conn, 16),
	}
}

func (t *ServerTransportTLS) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	l, err := tls.Listen("tcp", fmt.Sprintf(":%d", t.Port), tlsConfig)
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

func (t *ServerTransportTLS) acceptLoop() {
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

		if tlsConn, ok := conn.(*tls.Conn); ok {
			if inner, ok := tlsConn.NetConn().(*net.TCPConn); ok {
				inner.SetNoDelay(t.NoDelay)
			}
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

func (t *ServerTransportTLS) Accept() (rpc.Conn, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, fmt.Errorf("transport is closed")
	}
	return conn, nil
}

func (t *ServerTransportTLS) Close() error {
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

// ClientTransportTLS dials length-prefixed TCP connections over TLS.
type ClientTransportTLS struct {
	Host               string
	Port               int
	NoDelay            bool
	InsecureSkipVerify bool
	CAFile             string
}

type ClientTransportTLSConfig struct {
	Host               string
	Port               int
	NoDelay            bool
	InsecureSkipVerify bool   // Skip certificate verification (for testing)
	CAFile             string // Optional CA certificate file for verification
}

func NewClientTransportTLS(config ClientTransportTLSConfig) *ClientTransportTLS {
	return &ClientTransportTLS{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		InsecureSkipVerify: config.InsecureSkipVerify,
		CAFile:             config.CAFile,
	}
}

func (t *ClientTransportTLS) Connect() (rpc.Conn, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if t.CAFile != "" {
		caCert, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	conn, err := tls.Dial("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), tlsConfig)
	if err != nil {
		return nil, err
	}

	if inner, ok := conn.NetConn().(*net.TCPConn); ok {
		inner.SetNoDelay(t.NoDelay)
	}

	return newTCPConn(conn), nil
}
