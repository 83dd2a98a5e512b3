package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec turns decoded bodies into wire bytes and back, keyed by the
// service registry. Implementations must be safe for concurrent use
// across connections.
type Codec interface {
	// EncodeBody serializes data.Body for the wire. Only req, res and msg
	// envelopes carry a body.
	EncodeBody(data *TransportData, sm *ServiceMap, validate bool) ([]byte, error)

	// DecodeBody materializes box.Body into the registered Go type for
	// the box's service.
	DecodeBody(box *Box, sm *ServiceMap, validate bool) (any, error)
}

// JSONCodec is the default body codec: bodies travel as JSON objects and
// decode into the reflect types registered on the ServiceMap.
type JSONCodec struct{}

func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) bodyType(svc *Service, dataType string) (reflect.Type, error) {
	switch dataType {
	case DataTypeReq:
		return svc.ReqType, nil
	case DataTypeRes:
		return svc.ResType, nil
	case DataTypeMsg:
		return svc.MsgType, nil
	default:
		return nil, fmt.Errorf("envelope type %q carries no body", dataType)
	}
}

func (c *JSONCodec) EncodeBody(data *TransportData, sm *ServiceMap, validate bool) ([]byte, error) {
	svc, ok := sm.ByName(data.ServiceName)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", data.ServiceName)
	}

	if validate {
		want, err := c.bodyType(svc, data.Type)
		if err != nil {
			return nil, err
		}
		if err := checkBodyType(data.Body, want); err != nil {
			return nil, fmt.Errorf("encode %s %q: %w", data.Type, data.ServiceName, err)
		}
	}

	bs, err := json.Marshal(data.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", data.Type, data.ServiceName, err)
	}
	return bs, nil
}

func (c *JSONCodec) DecodeBody(box *Box, sm *ServiceMap, validate bool) (any, error) {
	svc, ok := sm.ByName(box.ServiceName)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", box.ServiceName)
	}

	want, err := c.bodyType(svc, box.Type)
	if err != nil {
		return nil, err
	}
	if want == nil {
		return nil, fmt.Errorf("service %q has no %s schema", box.ServiceName, box.Type)
	}

	val := reflect.New(want)
	if validate {
		dec := json.NewDecoder(bytes.NewReader(box.Body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(val.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", box.Type, box.ServiceName, err)
		}
	} else {
		if err := json.Unmarshal(box.Body, val.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", box.Type, box.ServiceName, err)
		}
	}
	return val.Interface(), nil
}

func checkBodyType(body any, want reflect.Type) error {
	if want == nil {
		return fmt.Errorf("no schema registered")
	}
	got := reflect.TypeOf(body)
	if got == nil {
		return fmt.Errorf("nil body, expected %s", want)
	}
	if got.Kind() == reflect.Ptr {
		got = got.Elem()
	}
	if got != want {
		return fmt.Errorf("body type %s does not match registered schema %s", got, want)
	}
	return nil
}
