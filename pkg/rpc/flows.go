package rpc

// CallApiEvent travels the PreCallApi and PreCallApiReturn flows. A
// middleware that sets Return short-circuits the network round trip.
type CallApiEvent struct {
	Conn    *Connection
	ApiName string
	Req     any
	Return  *ApiReturn
}

// MsgEvent travels the msg flows.
type MsgEvent struct {
	Conn    *Connection
	MsgName string
	Msg     any
}

// SendDataEvent carries an encoded frame about to hit the transport.
type SendDataEvent struct {
	Conn *Connection
	Raw  []byte
	Data *TransportData
}

// RecvDataEvent carries a raw inbound frame. A middleware may set Decoded
// to bypass the envelope and body codecs.
type RecvDataEvent struct {
	Conn    *Connection
	Raw     []byte
	Decoded *TransportData
}

// ApiCallReturnEvent travels the PreApiCallReturn flow before a reply
// envelope is sent.
type ApiCallReturnEvent struct {
	Call   *ApiCall
	Return *ApiReturn
}

// DisconnectEvent travels the PostDisconnect flow.
type DisconnectEvent struct {
	Conn     *Connection
	IsManual bool
	Reason   string
}

// Flows bundles every user-visible hook point of a connection. On the
// server one bundle is shared by all connections; on the client each
// connection owns its own.
type Flows struct {
	PreCallApi       *Flow[*CallApiEvent]
	PreCallApiReturn *Flow[*CallApiEvent]

	PreApiCall       *Flow[*ApiCall]
	PreApiCallReturn *Flow[*ApiCallReturnEvent]

	PreSendMsg  *Flow[*MsgEvent]
	PostSendMsg *Flow[*MsgEvent]
	PreRecvMsg  *Flow[*MsgEvent]

	PreSendData *Flow[*SendDataEvent]
	PreRecvData *Flow[*RecvDataEvent]

	PostConnect    *Flow[*Connection]
	PostDisconnect *Flow[*DisconnectEvent]
}

func NewFlows() *Flows {
	return &Flows{
		PreCallApi:       NewFlow[*CallApiEvent](),
		PreCallApiReturn: NewFlow[*CallApiEvent](),
		PreApiCall:       NewFlow[*ApiCall](),
		PreApiCallReturn: NewFlow[*ApiCallReturnEvent](),
		PreSendMsg:       NewFlow[*MsgEvent](),
		PostSendMsg:      NewFlow[*MsgEvent](),
		PreRecvMsg:       NewFlow[*MsgEvent](),
		PreSendData:      NewFlow[*SendDataEvent](),
		PreRecvData:      NewFlow[*RecvDataEvent](),
		PostConnect:      NewFlow[*Connection](),
		PostDisconnect:   NewFlow[*DisconnectEvent](),
	}
}
