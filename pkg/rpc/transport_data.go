package rpc

// Envelope type tags shared by the text and buffer wire variants.
const (
	DataTypeReq       = "req"
	DataTypeRes       = "res"
	DataTypeErr       = "err"
	DataTypeMsg       = "msg"
	DataTypeHeartbeat = "heartbeat"
	DataTypeCustom    = "custom"
)

// WireMode selects the envelope variant used on the wire.
type WireMode string

const (
	WireModeText   WireMode = "text"
	WireModeBuffer WireMode = "buffer"
)

// TransportData is the decoded form of one wire envelope: body already
// materialized, routing and correlation fields unpacked.
type TransportData struct {
	Type        string
	ServiceName string
	SN          uint32
	Body        any
	Err         *Error
	ProtoInfo   *ProtoInfo
	IsReply     bool
	Custom      []byte
}

// Box is the envelope with the body still in wire form. Outbound it is
// produced by the body codec and consumed by the envelope codec; inbound
// the other way around.
type Box struct {
	Type        string
	ServiceName string
	SN          uint32
	Body        []byte
	Err         *Error
	ProtoInfo   *ProtoInfo
	IsReply     bool
	Custom      []byte
}
