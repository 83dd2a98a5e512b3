package rpc

import (
	"encoding/json"
	"fmt"
)

// boxWire is the JSON shape of the text envelope variant. Custom payloads
// are opaque bytes and travel base64-encoded.
type boxWire struct {
	Type        string          `json:"type"`
	ServiceName string          `json:"serviceName,omitempty"`
	SN          uint32          `json:"sn,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Err         *Error          `json:"err,omitempty"`
	ProtoInfo   *ProtoInfo      `json:"protoInfo,omitempty"`
	IsReply     bool            `json:"isReply,omitempty"`
	Custom      []byte          `json:"custom,omitempty"`
}

// EncodeBoxText frames a box as a JSON envelope.
func EncodeBoxText(box *Box) ([]byte, error) {
	wire := &boxWire{
		Type:      box.Type,
		SN:        box.SN,
		Err:       box.Err,
		ProtoInfo: box.ProtoInfo,
		IsReply:   box.IsReply,
	}

	switch box.Type {
	case DataTypeReq, DataTypeRes, DataTypeMsg:
		wire.ServiceName = box.ServiceName
		wire.Body = json.RawMessage(box.Body)
	case DataTypeErr, DataTypeHeartbeat:
	case DataTypeCustom:
		wire.Custom = box.Custom
	default:
		return nil, fmt.Errorf("unknown envelope type %q", box.Type)
	}

	bs, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode text envelope: %w", err)
	}
	return bs, nil
}

// DecodeBoxText parses a JSON envelope. For a res without serviceName the
// pending-calls map recovers the service of the matching request.
func DecodeBoxText(raw []byte, pending *PendingCalls) (*Box, error) {
	var wire boxWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode text envelope: %w", err)
	}

	box := &Box{
		Type:        wire.Type,
		ServiceName: wire.ServiceName,
		SN:          wire.SN,
		Body:        []byte(wire.Body),
		Err:         wire.Err,
		ProtoInfo:   wire.ProtoInfo,
		IsReply:     wire.IsReply,
		Custom:      []byte(wire.Custom),
	}

	switch wire.Type {
	case DataTypeReq, DataTypeMsg:
		if wire.ServiceName == "" {
			return nil, fmt.Errorf("%s envelope is missing serviceName", wire.Type)
		}
	case DataTypeRes:
		if box.ServiceName == "" {
			name, ok := pending.ApiName(wire.SN)
			if !ok {
				return nil, fmt.Errorf("res envelope sn=%d does not match a pending call", wire.SN)
			}
			box.ServiceName = name
		}
	case DataTypeErr:
		if wire.Err == nil {
			return nil, fmt.Errorf("err envelope is missing err")
		}
	case DataTypeHeartbeat, DataTypeCustom:
	default:
		return nil, fmt.Errorf("unknown envelope type %q", wire.Type)
	}

	return box, nil
}
