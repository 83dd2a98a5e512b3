package rpc

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/calder/duplex/pkg/log"
)

// ServerConfig configures a Server. Transport and ServiceMap are
// required; everything else falls back to defaults.
type ServerConfig struct {
	Transport  ServerTransport
	ServiceMap *ServiceMap
	Options    *ConnectionOptions
	Codec      Codec

	// ErrHandler receives accept-loop errors that the server already
	// logged, for callers that want to react to them.
	ErrHandler func(error)
}

// Server accepts connections and hosts api handlers. Options, service
// map, codec, flows and handlers are shared read-only by every
// connection it accepts.
type Server struct {
	conf     ServerConfig
	opts     *ConnectionOptions
	sm       *ServiceMap
	codec    Codec
	flows    *Flows
	handlers *handlerMap

	mu       sync.Mutex
	running  bool
	conns    map[uuid.UUID]*Connection
	msgSubs  []msgSub
	msgRxs   []msgRxSub
	onCustom CustomHandler
}

type msgSub struct {
	name string
	h    MsgHandler
}

type msgRxSub struct {
	pattern *regexp.Regexp
	h       MsgHandler
}

func NewServer(conf ServerConfig) *Server {
	if conf.ServiceMap == nil {
		panic("server requires a service map")
	}
	opts := conf.Options
	if opts == nil {
		opts = DefaultConnectionOptions()
	}
	codec := conf.Codec
	if codec == nil {
		codec = NewJSONCodec()
	}

	s := &Server{
		conf:     conf,
		opts:     opts,
		sm:       conf.ServiceMap,
		codec:    codec,
		flows:    NewFlows(),
		handlers: newHandlerMap(),
		conns:    make(map[uuid.UUID]*Connection),
	}

	s.flows.PostDisconnect.Push(func(ev *DisconnectEvent, _ log.Logger) (*DisconnectEvent, bool) {
		s.mu.Lock()
		delete(s.conns, ev.Conn.ID)
		s.mu.Unlock()
		return ev, true
	})

	return s
}

// Flows exposes the hook bundle shared by every accepted connection.
func (s *Server) Flows() *Flows {
	return s.flows
}

// ServiceMap exposes the service registry.
func (s *Server) ServiceMap() *ServiceMap {
	return s.sm
}

// Options exposes the shared options bundle.
func (s *Server) Options() *ConnectionOptions {
	return s.opts
}

// RegisterApiHandler binds a raw handler to an api service. Panics if the
// name is already taken or not registered as an api.
func (s *Server) RegisterApiHandler(apiName string, h ApiHandler) {
	if _, ok := s.sm.ApiService(apiName); !ok {
		panic(fmt.Sprintf("unknown api service %q", apiName))
	}
	s.handlers.set(apiName, h)
}

// OnMsg subscribes every current and future connection to a msg service.
func (s *Server) OnMsg(msgName string, h MsgHandler) {
	s.mu.Lock()
	s.msgSubs = append(s.msgSubs, msgSub{name: msgName, h: h})
	conns := s.connsLocked()
	s.mu.Unlock()

	for _, conn := range conns {
		conn.OnMsg(msgName, h)
	}
}

// OnMsgRegexp subscribes every current and future connection to the msg
// services matching the pattern.
func (s *Server) OnMsgRegexp(pattern *regexp.Regexp, h MsgHandler) {
	s.mu.Lock()
	s.msgRxs = append(s.msgRxs, msgRxSub{pattern: pattern, h: h})
	conns := s.connsLocked()
	s.mu.Unlock()

	for _, conn := range conns {
		conn.OnMsgRegexp(pattern, h)
	}
}

// OnCustomData sets the opaque passthrough hook for every current and
// future connection.
func (s *Server) OnCustomData(h CustomHandler) {
	s.mu.Lock()
	s.onCustom = h
	conns := s.connsLocked()
	s.mu.Unlock()

	for _, conn := range conns {
		conn.OnCustomData(h)
	}
}

// Connections snapshots the currently connected peers.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connsLocked()
}

func (s *Server) connsLocked() []*Connection {
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionCount reports the number of connected peers.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// BroadcastMsg sends a message to every connected peer. The result is
// successful only when every send succeeded.
func (s *Server) BroadcastMsg(msgName string, msg any) *OpResult {
	var failed int
	for _, conn := range s.Connections() {
		res := conn.SendMsg(msgName, msg)
		if res == nil || !res.Succ {
			failed++
		}
	}
	if failed > 0 {
		return OpErr("broadcast failed for %d connections", failed)
	}
	return OpSucc()
}

func (s *Server) logInfo(msg string) {
	if s.opts.Logger != nil {
		s.opts.Logger.Info(msg)
	}
}

func (s *Server) logError(msg string) {
	if s.opts.Logger != nil {
		s.opts.Logger.Error(msg)
	}
}

func (s *Server) handleError(err error) {
	s.logError("Encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

// ListenAndServe starts the transport and blocks in the accept loop until
// Shutdown closes it.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logInfo("Starting server")

	if err := s.conf.Transport.Listen(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			break
		}

		conn, err := s.conf.Transport.Accept()
		if err != nil {
			if err.Error() == "transport is closed" {
				break
			}
			s.handleError(err)
			continue
		}

		s.accept(conn)
	}

	return nil
}

// accept wires one raw transport channel into a tracked Connection.
func (s *Server) accept(raw Conn) *Connection {
	conn := newConnection(SideServer, s.opts, s.sm, s.codec, s.flows, s.handlers)

	s.mu.Lock()
	if !s.running {
		// late accept during shutdown
		s.mu.Unlock()
		raw.Close()
		return nil
	}
	s.conns[conn.ID] = conn
	subs := make([]msgSub, len(s.msgSubs))
	copy(subs, s.msgSubs)
	rxs := make([]msgRxSub, len(s.msgRxs))
	copy(rxs, s.msgRxs)
	onCustom := s.onCustom
	s.mu.Unlock()

	for _, sub := range subs {
		conn.OnMsg(sub.name, sub.h)
	}
	for _, sub := range rxs {
		conn.OnMsgRegexp(sub.pattern, sub.h)
	}
	if onCustom != nil {
		conn.OnCustomData(onCustom)
	}

	conn.attach(raw)
	return conn
}

// Shutdown stops accepting and disconnects every peer, waiting up to the
// context deadline for the disconnects to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logInfo("Shutting down server")

	err := s.conf.Transport.Close()

	done := make(chan struct{})
	go func() {
		for _, conn := range s.Connections() {
			conn.Disconnect("Server is shutting down")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
