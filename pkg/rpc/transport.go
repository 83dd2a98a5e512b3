package rpc

// Conn is one established bidirectional byte channel. Concrete transports
// implement it; the rpc core pumps Receive into the connection's inbound
// dispatch.
type Conn interface {
	// Send hands one frame to the transport.
	Send(data []byte) error

	// Receive blocks until the next frame arrives from the remote peer.
	// A normal close returns an error whose message is "connection closed".
	Receive() ([]byte, error)

	// Close closes the channel.
	Close() error
}

// ServerTransport handles incoming connections for the server.
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new connection is available
	Accept() (Conn, error)

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for the client.
type ClientTransport interface {
	// Connect establishes a connection to the server
	Connect() (Conn, error)
}
