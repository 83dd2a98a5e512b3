package rpc

import (
	"fmt"
	"regexp"
)

// ClientConfig configures a Client. Transport and ServiceMap are
// required; everything else falls back to defaults.
type ClientConfig struct {
	Transport  ClientTransport
	ServiceMap *ServiceMap
	Options    *ConnectionOptions
	Codec      Codec
}

// Client owns a single connection to a server. Handlers, flows and msg
// subscriptions registered before Connect survive reconnects.
type Client struct {
	conf ClientConfig
	conn *Connection
}

func NewClient(conf ClientConfig) *Client {
	if conf.ServiceMap == nil {
		panic("client requires a service map")
	}
	conn := newConnection(SideClient, conf.Options, conf.ServiceMap, conf.Codec, nil, nil)
	return &Client{
		conf: conf,
		conn: conn,
	}
}

// Connection exposes the underlying connection.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Flows exposes the connection's hook bundle.
func (c *Client) Flows() *Flows {
	return c.conn.Flows()
}

// ServiceMap exposes the service registry.
func (c *Client) ServiceMap() *ServiceMap {
	return c.conn.ServiceMap()
}

// Status reports the connection's lifecycle state.
func (c *Client) Status() ConnStatus {
	return c.conn.Status()
}

// Connect dials the server. It is rejected unless the connection is
// currently disconnected.
func (c *Client) Connect() *OpResult {
	conn := c.conn
	conn.mu.Lock()
	if conn.status != StatusDisconnected {
		status := conn.status
		conn.mu.Unlock()
		return OpErr("cannot connect while %s", status)
	}
	conn.status = StatusConnecting
	conn.mu.Unlock()

	raw, err := c.conf.Transport.Connect()
	if err != nil {
		conn.mu.Lock()
		conn.status = StatusDisconnected
		conn.mu.Unlock()
		return OpErr("connect: %s", err.Error())
	}

	conn.attach(raw)
	return OpSucc()
}

// Disconnect closes the connection manually.
func (c *Client) Disconnect(reason string) *OpResult {
	return c.conn.Disconnect(reason)
}

// RegisterApiHandler binds a raw handler to an api service hosted on the
// client side of the link. Panics if the name is already taken or not
// registered as an api.
func (c *Client) RegisterApiHandler(apiName string, h ApiHandler) {
	if _, ok := c.conn.sm.ApiService(apiName); !ok {
		panic(fmt.Sprintf("unknown api service %q", apiName))
	}
	c.conn.handlers.set(apiName, h)
}

// CallApi issues a request and blocks for its return. See
// Connection.CallApi.
func (c *Client) CallApi(apiName string, req any, options ...*CallOptions) *ApiReturn {
	return c.conn.CallApi(apiName, req, options...)
}

// SendMsg sends a fire-and-forget message. See Connection.SendMsg.
func (c *Client) SendMsg(msgName string, msg any) *OpResult {
	return c.conn.SendMsg(msgName, msg)
}

// AbortCall aborts one in-flight call by its sequence number.
func (c *Client) AbortCall(sn uint32) {
	c.conn.AbortCall(sn)
}

// AbortByKey aborts every in-flight call issued with the abort key.
func (c *Client) AbortByKey(key string) {
	c.conn.AbortByKey(key)
}

// AbortAllCalls aborts every in-flight call.
func (c *Client) AbortAllCalls() {
	c.conn.AbortAllCalls()
}

// OnMsg subscribes to a msg service by literal name.
func (c *Client) OnMsg(msgName string, h MsgHandler) {
	c.conn.OnMsg(msgName, h)
}

// OnMsgOnce subscribes for a single delivery.
func (c *Client) OnMsgOnce(msgName string, h MsgHandler) {
	c.conn.OnMsgOnce(msgName, h)
}

// OffMsg removes a subscription. With h nil every subscriber of the name
// is removed.
func (c *Client) OffMsg(msgName string, h MsgHandler) {
	c.conn.OffMsg(msgName, h)
}

// OnMsgRegexp subscribes to every currently registered msg service whose
// name matches the pattern.
func (c *Client) OnMsgRegexp(pattern *regexp.Regexp, h MsgHandler) {
	c.conn.OnMsgRegexp(pattern, h)
}

// OnCustomData registers the opaque passthrough hook.
func (c *Client) OnCustomData(h CustomHandler) {
	c.conn.OnCustomData(h)
}

// SendCustomData sends an opaque custom envelope.
func (c *Client) SendCustomData(data []byte) *OpResult {
	return c.conn.SendCustomData(data)
}
