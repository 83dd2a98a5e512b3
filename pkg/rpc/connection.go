package rpc

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Side identifies which end of the link a connection is. Both ends run
// the same state machine; only error typing and lookup direction differ.
type Side int

const (
	SideClient Side = iota + 1
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

type ConnStatus string

const (
	StatusDisconnected  ConnStatus = "Disconnected"
	StatusConnecting    ConnStatus = "Connecting"
	StatusConnected     ConnStatus = "Connected"
	StatusDisconnecting ConnStatus = "Disconnecting"
)

// ApiHandler serves one inbound api request. It reports the outcome
// through call.Succ or call.Error; a panic becomes an internal error
// reply.
type ApiHandler func(call *ApiCall)

// MsgHandler receives one inbound fire-and-forget message.
type MsgHandler func(conn *Connection, msgName string, msg any)

// CustomHandler receives envelopes of type custom as an opaque
// passthrough.
type CustomHandler func(conn *Connection, data []byte)

var errFlowCanceled = errors.New("canceled by flow")

// doDisconnect gets this long to hand the close to the transport before
// the state machine moves on without it.
const disconnectTimeout = 3 * time.Second

type handlerMap struct {
	mu sync.RWMutex
	m  map[string]ApiHandler
}

func newHandlerMap() *handlerMap {
	return &handlerMap{m: make(map[string]ApiHandler)}
}

func (h *handlerMap) set(name string, fn ApiHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[name]; ok {
		panic(fmt.Sprintf("api handler for %q already registered", name))
	}
	h.m[name] = fn
}

func (h *handlerMap) get(name string) ApiHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m[name]
}

// Connection is one end of a bidirectional typed RPC link. It owns its
// pending calls, heartbeat state and message emitter; options, service
// map, codec, flows and handlers may be shared with every other
// connection on the server side.
type Connection struct {
	ID   uuid.UUID
	Side Side

	opts     *ConnectionOptions
	sm       *ServiceMap
	codec    Codec
	flows    *Flows
	handlers *handlerMap

	pending *PendingCalls
	sn      *Counter
	emitter *EventEmitter

	mu             sync.Mutex
	status         ConnStatus
	conn           Conn
	hb             *heartbeat
	remoteProto    *ProtoInfo
	disconnectDone chan struct{}
	customHandler  CustomHandler

	// sendMu serializes encode-and-send so frames leave the transport in
	// issue order.
	sendMu sync.Mutex

	lastHeartbeatLatency atomic.Int64

	msgWrapMu sync.Mutex
	msgWraps  map[uintptr]emitterHandler
}

func newConnection(side Side, opts *ConnectionOptions, sm *ServiceMap, codec Codec, flows *Flows, handlers *handlerMap) *Connection {
	if opts == nil {
		opts = DefaultConnectionOptions()
	}
	if codec == nil {
		codec = NewJSONCodec()
	}
	if flows == nil {
		flows = NewFlows()
	}
	if handlers == nil {
		handlers = newHandlerMap()
	}
	return &Connection{
		ID:       uuid.New(),
		Side:     side,
		opts:     opts,
		sm:       sm,
		codec:    codec,
		flows:    flows,
		handlers: handlers,
		pending:  NewPendingCalls(),
		sn:       NewCounter(),
		emitter:  NewEventEmitter(),
		status:   StatusDisconnected,
		msgWraps: make(map[uintptr]emitterHandler),
	}
}

func (c *Connection) logDebug(msg string) {
	if c.opts.Logger != nil {
		c.opts.Logger.Debug(c.tag() + msg)
	}
}

func (c *Connection) logInfo(msg string) {
	if c.opts.Logger != nil {
		c.opts.Logger.Info(c.tag() + msg)
	}
}

func (c *Connection) logWarn(msg string) {
	if c.opts.Logger != nil {
		c.opts.Logger.Warn(c.tag() + msg)
	}
}

func (c *Connection) logError(msg string) {
	if c.opts.Logger != nil {
		c.opts.Logger.Error(c.tag() + msg)
	}
}

func (c *Connection) tag() string {
	return fmt.Sprintf("[%s %s] ", c.Side, c.ID.String()[:8])
}

func (c *Connection) highlight(s string) string {
	if c.opts.Style != nil {
		return c.opts.Style.Highlight(s)
	}
	return s
}

// Status returns the current lifecycle state.
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Options exposes the connection-wide options bundle.
func (c *Connection) Options() *ConnectionOptions {
	return c.opts
}

// Flows exposes the connection's flow hooks.
func (c *Connection) Flows() *Flows {
	return c.flows
}

// ServiceMap exposes the shared service registry.
func (c *Connection) ServiceMap() *ServiceMap {
	return c.sm
}

// PendingCallCount reports the number of in-flight outbound calls.
func (c *Connection) PendingCallCount() int {
	return c.pending.Len()
}

// LastHeartbeatLatency is the most recent ping round trip, or zero if no
// pong has arrived yet.
func (c *Connection) LastHeartbeatLatency() time.Duration {
	return time.Duration(c.lastHeartbeatLatency.Load())
}

// RemoteProtoInfo returns the peer's cached schema fingerprint, if it has
// been learned yet.
func (c *Connection) RemoteProtoInfo() *ProtoInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteProto
}

// RegisterApiHandler binds a raw handler to an api service hosted on
// this connection. Panics if the service is unknown or already bound.
func (c *Connection) RegisterApiHandler(apiName string, h ApiHandler) {
	if _, ok := c.sm.ApiService(apiName); !ok {
		panic(fmt.Sprintf("unknown api service %q", apiName))
	}
	c.handlers.set(apiName, h)
}

// OnCustomData registers the opaque passthrough hook for envelopes of
// type custom.
func (c *Connection) OnCustomData(h CustomHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customHandler = h
}

// attach binds an established transport channel, moves to Connected and
// starts the receive pump and heartbeat.
func (c *Connection) attach(conn Conn) {
	c.mu.Lock()
	c.status = StatusConnected
	c.conn = conn
	if c.opts.Heartbeat {
		c.hb = newHeartbeat(c)
	}
	hb := c.hb
	c.mu.Unlock()

	if c.opts.LogConnect {
		c.logInfo("Connected")
	}

	go c.recvLoop(conn)
	if hb != nil {
		hb.start()
	}
	c.flows.PostConnect.Exec(c, c.opts.Logger)
}

func (c *Connection) recvLoop(conn Conn) {
	for {
		bs, err := conn.Receive()
		if err != nil {
			if c.Status() == StatusConnected {
				reason := "Connection lost: " + err.Error()
				if err.Error() == "connection closed" {
					reason = "Connection closed by remote"
				}
				c.disconnect(false, reason)
			}
			return
		}
		c.RecvData(bs)
	}
}

// Disconnect closes the connection manually. It is a no-op when already
// disconnected, waits for an in-flight disconnect to finish, and is
// rejected while connecting.
func (c *Connection) Disconnect(reason string) *OpResult {
	if reason == "" {
		reason = "Disconnected manually"
	}
	return c.disconnect(true, reason)
}

func (c *Connection) disconnect(isManual bool, reason string) *OpResult {
	c.mu.Lock()
	switch c.status {
	case StatusDisconnected:
		c.mu.Unlock()
		return OpSucc()
	case StatusConnecting:
		c.mu.Unlock()
		return OpErr("cannot disconnect while connecting")
	case StatusDisconnecting:
		done := c.disconnectDone
		c.mu.Unlock()
		if isManual && done != nil {
			<-done
			return OpSucc()
		}
		return OpErr("already disconnecting")
	}

	c.status = StatusDisconnecting
	done := make(chan struct{})
	c.disconnectDone = done
	conn := c.conn
	c.conn = nil
	hb := c.hb
	c.hb = nil
	c.mu.Unlock()

	if hb != nil {
		hb.stop()
	}

	// every pending call resolves before any user-visible post hook runs
	for _, call := range c.pending.takeAll() {
		call.resolve(ErrReturn(NewErrorCode(ErrorTypeNetwork, CodeLostConn, "Lost connection to remote")))
	}

	c.doDisconnect(conn)

	c.mu.Lock()
	c.status = StatusDisconnected
	c.disconnectDone = nil
	c.mu.Unlock()
	close(done)

	if c.opts.LogConnect {
		c.logInfo("Disconnected: " + reason)
	}
	c.flows.PostDisconnect.Exec(&DisconnectEvent{Conn: c, IsManual: isManual, Reason: reason}, c.opts.Logger)
	return OpSucc()
}

func (c *Connection) doDisconnect(conn Conn) {
	if conn == nil {
		return
	}
	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(disconnectTimeout):
		c.logWarn("Transport close did not finish in time")
	}
}

func (c *Connection) wireMode() WireMode {
	if c.opts.WireMode == WireModeBuffer {
		return WireModeBuffer
	}
	return WireModeText
}

func (c *Connection) setRemoteProto(info *ProtoInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteProto = info
}

func (c *Connection) localProtoIfRemoteUnknown() *ProtoInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteProto != nil {
		return nil
	}
	return c.sm.ProtoInfo()
}

// sendTransportData runs the outbound pipeline: body encode, envelope
// encode, PreSendData flow, transport send. Returns errFlowCanceled when
// a middleware canceled the send.
func (c *Connection) sendTransportData(td *TransportData) error {
	c.mu.Lock()
	status := c.status
	conn := c.conn
	c.mu.Unlock()
	if status != StatusConnected {
		return fmt.Errorf("connection is not connected (status %s)", status)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	box := &Box{
		Type:        td.Type,
		ServiceName: td.ServiceName,
		SN:          td.SN,
		Err:         td.Err,
		ProtoInfo:   td.ProtoInfo,
		IsReply:     td.IsReply,
		Custom:      td.Custom,
	}

	switch td.Type {
	case DataTypeReq, DataTypeRes, DataTypeMsg:
		body, err := c.codec.EncodeBody(td, c.sm, !c.opts.SkipEncodeValidate)
		if err != nil {
			return err
		}
		box.Body = body
	}

	var raw []byte
	var err error
	if c.wireMode() == WireModeBuffer {
		raw, err = EncodeBoxBuffer(box, c.sm)
	} else {
		raw, err = EncodeBoxText(box)
	}
	if err != nil {
		return err
	}

	if c.opts.DebugBuf {
		c.logDebug(fmt.Sprintf("[SendBuf] type=%s sn=%d len=%d", td.Type, td.SN, len(raw)))
	}

	ev, ok := c.flows.PreSendData.Exec(&SendDataEvent{Conn: c, Raw: raw, Data: td}, c.opts.Logger)
	if !ok {
		return errFlowCanceled
	}

	return conn.Send(ev.Raw)
}

// SendCustomData sends an opaque custom envelope.
func (c *Connection) SendCustomData(data []byte) *OpResult {
	err := c.sendTransportData(&TransportData{Type: DataTypeCustom, Custom: data})
	if err == errFlowCanceled {
		return nil
	}
	if err != nil {
		return OpErr("%s", err.Error())
	}
	return OpSucc()
}

// CallApi issues a request and blocks for its ApiReturn. It never returns
// a Go error: every failure is a Succ=false return. A nil result means
// the call was aborted and will never settle.
func (c *Connection) CallApi(apiName string, req any, options ...*CallOptions) *ApiReturn {
	var opts *CallOptions
	if len(options) > 0 {
		opts = options[0]
	}

	sn := c.sn.GetNext()
	abortKey := ""
	if opts != nil {
		abortKey = opts.AbortKey
	}
	call := newPendingCall(sn, apiName, req, abortKey)
	c.pending.Insert(call)

	if opts != nil && opts.Context != nil {
		ctx := opts.Context
		go func() {
			select {
			case <-ctx.Done():
				c.pending.Abort(sn)
			case <-call.settled:
			}
		}()
	}

	ev, ok := c.flows.PreCallApi.Exec(&CallApiEvent{Conn: c, ApiName: apiName, Req: req}, c.opts.Logger)
	if !ok || call.IsAborted() {
		c.pending.Abort(sn)
		return nil
	}
	req = ev.Req

	var ret *ApiReturn
	if ev.Return != nil {
		// middleware short-circuited the round trip
		if c.pending.Remove(sn) != nil {
			call.resolve(ev.Return)
		}
	} else {
		if c.opts.LogApi {
			msg := fmt.Sprintf("[ApiReq] %s sn=%d", c.highlight(apiName), sn)
			if c.opts.LogReqBody {
				msg += fmt.Sprintf(" req=%+v", req)
			}
			c.logInfo(msg)
		}

		td := &TransportData{
			Type:        DataTypeReq,
			ServiceName: apiName,
			SN:          sn,
			Body:        req,
			ProtoInfo:   c.localProtoIfRemoteUnknown(),
		}
		if err := c.sendTransportData(td); err != nil {
			if err == errFlowCanceled {
				c.pending.Abort(sn)
				return nil
			}
			if c.pending.Remove(sn) != nil {
				call.resolve(ErrReturn(NewError(ErrorTypeLocal, err.Error())))
			}
		} else if timeout := opts.timeoutFor(c.opts); timeout > 0 {
			timer := time.AfterFunc(timeout, func() {
				if c.pending.Remove(sn) != nil {
					call.resolve(ErrReturn(NewErrorCode(ErrorTypeNetwork, CodeTimeout, "Request Timeout")))
				}
			})
			defer timer.Stop()
		}
	}

	select {
	case ret = <-call.ret:
	case <-call.aborted:
		return nil
	}

	rev, ok := c.flows.PreCallApiReturn.Exec(&CallApiEvent{Conn: c, ApiName: apiName, Req: req, Return: ret}, c.opts.Logger)
	if !ok || call.IsAborted() {
		c.pending.Abort(sn)
		return nil
	}
	ret = rev.Return

	if c.opts.LogApi {
		if ret.Succ {
			msg := fmt.Sprintf("[ApiRes] %s sn=%d", c.highlight(apiName), sn)
			if c.opts.LogResBody {
				msg += fmt.Sprintf(" res=%+v", ret.Res)
			}
			c.logInfo(msg)
		} else {
			c.logWarn(fmt.Sprintf("[ApiErr] %s sn=%d err=%s", c.highlight(apiName), sn, ret.Err.Error()))
		}
	}
	return ret
}

// AbortCall aborts one in-flight call by its sequence number.
func (c *Connection) AbortCall(sn uint32) {
	c.pending.Abort(sn)
}

// AbortByKey aborts every in-flight call issued with the abort key.
func (c *Connection) AbortByKey(key string) {
	c.pending.AbortByKey(key)
}

// AbortAllCalls aborts every in-flight call on the connection.
func (c *Connection) AbortAllCalls() {
	c.pending.AbortAll()
}

// SendMsg sends a fire-and-forget message. Success means the frame was
// handed to the transport, not that the peer processed it. A nil result
// means a middleware canceled the send.
func (c *Connection) SendMsg(msgName string, msg any) *OpResult {
	ev, ok := c.flows.PreSendMsg.Exec(&MsgEvent{Conn: c, MsgName: msgName, Msg: msg}, c.opts.Logger)
	if !ok {
		return nil
	}

	err := c.sendTransportData(&TransportData{
		Type:        DataTypeMsg,
		ServiceName: ev.MsgName,
		Body:        ev.Msg,
	})
	if err == errFlowCanceled {
		return nil
	}
	if err != nil {
		return OpErr("%s", err.Error())
	}

	if c.opts.LogMsg {
		c.logInfo(fmt.Sprintf("[SendMsg] %s", c.highlight(ev.MsgName)))
	}
	c.flows.PostSendMsg.Exec(ev, c.opts.Logger)
	return OpSucc()
}

// RecvData is the sole inbound entry point for the transport pump.
func (c *Connection) RecvData(raw []byte) {
	if c.Status() != StatusConnected {
		c.logDebug("Dropped inbound data, connection is not connected")
		return
	}

	ev, ok := c.flows.PreRecvData.Exec(&RecvDataEvent{Conn: c, Raw: raw}, c.opts.Logger)
	if !ok {
		return
	}

	if ev.Decoded != nil {
		c.dispatch(ev.Decoded)
		return
	}

	var box *Box
	var err error
	if c.wireMode() == WireModeBuffer {
		box, err = DecodeBoxBuffer(ev.Raw, c.sm, c.pending)
	} else {
		box, err = DecodeBoxText(ev.Raw, c.pending)
	}
	if err != nil {
		c.logError("Cannot decode inbound envelope: " + err.Error())
		c.sendDecodeFailure(0, err)
		return
	}

	if c.opts.DebugBuf {
		c.logDebug(fmt.Sprintf("[RecvBuf] type=%s sn=%d len=%d", box.Type, box.SN, len(raw)))
	}
	if box.ProtoInfo != nil {
		c.setRemoteProto(box.ProtoInfo)
	}

	td := &TransportData{
		Type:        box.Type,
		ServiceName: box.ServiceName,
		SN:          box.SN,
		Err:         box.Err,
		ProtoInfo:   box.ProtoInfo,
		IsReply:     box.IsReply,
		Custom:      box.Custom,
	}

	switch box.Type {
	case DataTypeReq:
		body, err := c.codec.DecodeBody(box, c.sm, !c.opts.SkipDecodeValidate)
		if err != nil {
			c.logError("Cannot decode request body: " + c.explainDecodeError(err))
			c.sendDecodeFailure(box.SN, err)
			return
		}
		td.Body = body
	case DataTypeRes:
		body, err := c.codec.DecodeBody(box, c.sm, !c.opts.SkipDecodeValidate)
		if err != nil {
			// the waiting caller sees a LocalError instead of hanging
			explained := c.explainDecodeError(err)
			c.logError("Cannot decode response body: " + explained)
			if call := c.pending.Remove(box.SN); call != nil {
				call.resolve(ErrReturn(NewError(ErrorTypeLocal, explained)))
			}
			return
		}
		td.Body = body
	case DataTypeMsg:
		body, err := c.codec.DecodeBody(box, c.sm, !c.opts.SkipDecodeValidate)
		if err != nil {
			c.logError("Cannot decode msg body: " + c.explainDecodeError(err))
			return
		}
		td.Body = body
	}

	c.dispatch(td)
}

// explainDecodeError appends a proto-desync diagnosis when the schema
// fingerprints differ.
func (c *Connection) explainDecodeError(err error) string {
	remote := c.RemoteProtoInfo()
	local := c.sm.ProtoInfo()
	if remote == nil || remote.MD5 == local.MD5 {
		return err.Error()
	}
	newer := "remote"
	if local.LastModified > remote.LastModified {
		newer = "local"
	}
	return fmt.Sprintf("%s (proto desync: local md5 %s, remote md5 %s, %s side is newer)",
		err.Error(), local.MD5, remote.MD5, newer)
}

// sendDecodeFailure reports to the peer that we could not decode its
// data. sn 0 means the envelope itself was unreadable.
func (c *Connection) sendDecodeFailure(sn uint32, cause error) {
	err := c.sendTransportData(&TransportData{
		Type: DataTypeErr,
		SN:   sn,
		Err:  NewError(ErrorTypeRemote, "Remote peer failed to decode the data: "+cause.Error()),
	})
	if err != nil && err != errFlowCanceled {
		c.logDebug("Failed to report decode failure to peer: " + err.Error())
	}
}

func (c *Connection) dispatch(td *TransportData) {
	switch td.Type {
	case DataTypeReq:
		call := newApiCall(c, td.ServiceName, td.SN, td.Body)
		go call.Execute()

	case DataTypeRes:
		call := c.pending.Remove(td.SN)
		if call == nil {
			c.logDebug(fmt.Sprintf("Dropped res for unknown sn=%d", td.SN))
			return
		}
		call.resolve(SuccReturn(td.Body))

	case DataTypeErr:
		if td.SN == 0 {
			c.logError("Peer-side decode failed: " + td.Err.Message)
			return
		}
		call := c.pending.Remove(td.SN)
		if call == nil {
			c.logDebug(fmt.Sprintf("Dropped err for unknown sn=%d", td.SN))
			return
		}
		call.resolve(ErrReturn(td.Err))

	case DataTypeMsg:
		ev, ok := c.flows.PreRecvMsg.Exec(&MsgEvent{Conn: c, MsgName: td.ServiceName, Msg: td.Body}, c.opts.Logger)
		if !ok {
			return
		}
		if c.opts.LogMsg {
			c.logInfo(fmt.Sprintf("[RecvMsg] %s", c.highlight(ev.MsgName)))
		}
		c.emitter.Emit(ev.MsgName, ev.MsgName, ev.Msg)

	case DataTypeHeartbeat:
		c.mu.Lock()
		hb := c.hb
		c.mu.Unlock()
		if hb != nil {
			hb.onRecv(td.SN, td.IsReply)
		} else if !td.IsReply {
			// heartbeats disabled locally; still answer pings
			go c.sendTransportData(&TransportData{Type: DataTypeHeartbeat, SN: td.SN, IsReply: true})
		}

	case DataTypeCustom:
		c.mu.Lock()
		h := c.customHandler
		c.mu.Unlock()
		if h != nil {
			h(c, td.Custom)
		}
	}
}

// wrapMsgHandler returns the emitter wrapper of h and h's identity. All
// wrappers share one code pointer, so the identity travels as the emitter
// tag to keep distinct handlers apart.
func (c *Connection) wrapMsgHandler(h MsgHandler) (emitterHandler, uintptr) {
	id := reflect.ValueOf(h).Pointer()

	c.msgWrapMu.Lock()
	defer c.msgWrapMu.Unlock()
	if w, ok := c.msgWraps[id]; ok {
		return w, id
	}
	w := func(args ...any) {
		name, _ := args[0].(string)
		h(c, name, args[1])
	}
	c.msgWraps[id] = w
	return w, id
}

// OnMsg subscribes to a msg service by literal name.
func (c *Connection) OnMsg(msgName string, h MsgHandler) {
	w, id := c.wrapMsgHandler(h)
	c.emitter.On(msgName, w, id)
}

// OnMsgOnce subscribes for a single delivery.
func (c *Connection) OnMsgOnce(msgName string, h MsgHandler) {
	w, id := c.wrapMsgHandler(h)
	c.emitter.Once(msgName, w, id)
}

// OffMsg removes a subscription. With h nil every subscriber of the name
// is removed.
func (c *Connection) OffMsg(msgName string, h MsgHandler) {
	if h == nil {
		c.emitter.Off(msgName, nil)
		return
	}
	w, id := c.wrapMsgHandler(h)
	c.emitter.Off(msgName, w, id)
}

// OnMsgRegexp subscribes to every msg service currently registered whose
// name matches the pattern. Names registered later are not picked up.
func (c *Connection) OnMsgRegexp(pattern *regexp.Regexp, h MsgHandler) {
	for _, name := range c.sm.MsgNamesMatching(pattern) {
		c.OnMsg(name, h)
	}
}
