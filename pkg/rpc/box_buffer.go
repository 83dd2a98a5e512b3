package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/calder/duplex/pkg/serialize"
)

// Binary envelope type tags.
const (
	bufTagReq       = uint8(0x01)
	bufTagRes       = uint8(0x02)
	bufTagErr       = uint8(0x03)
	bufTagMsg       = uint8(0x04)
	bufTagHeartbeat = uint8(0x05)
	bufTagCustom    = uint8(0x06)
)

func bufTagOf(dataType string) (uint8, error) {
	switch dataType {
	case DataTypeReq:
		return bufTagReq, nil
	case DataTypeRes:
		return bufTagRes, nil
	case DataTypeErr:
		return bufTagErr, nil
	case DataTypeMsg:
		return bufTagMsg, nil
	case DataTypeHeartbeat:
		return bufTagHeartbeat, nil
	case DataTypeCustom:
		return bufTagCustom, nil
	default:
		return 0, fmt.Errorf("unknown envelope type %q", dataType)
	}
}

func dataTypeOfBufTag(tag uint8) (string, error) {
	switch tag {
	case bufTagReq:
		return DataTypeReq, nil
	case bufTagRes:
		return DataTypeRes, nil
	case bufTagErr:
		return DataTypeErr, nil
	case bufTagMsg:
		return DataTypeMsg, nil
	case bufTagHeartbeat:
		return DataTypeHeartbeat, nil
	case bufTagCustom:
		return DataTypeCustom, nil
	default:
		return "", fmt.Errorf("unknown envelope tag 0x%02x", tag)
	}
}

func byteSizeProtoInfo(info *ProtoInfo) int {
	size := serialize.ByteSizeBool(info != nil)
	if info == nil {
		return size
	}
	return size +
		serialize.ByteSizeString(info.MD5) +
		serialize.ByteSizeInt64(info.LastModified) +
		serialize.ByteSizeString(info.Runtime) +
		serialize.ByteSizeString(info.Node)
}

func serializeProtoInfo(writer *serialize.FixedSizeWriter, info *ProtoInfo) {
	serialize.SerializeBool(writer, info != nil)
	if info == nil {
		return
	}
	serialize.SerializeString(writer, info.MD5)
	serialize.SerializeInt64(writer, info.LastModified)
	serialize.SerializeString(writer, info.Runtime)
	serialize.SerializeString(writer, info.Node)
}

func deserializeProtoInfo(info **ProtoInfo, reader *serialize.Reader) error {
	var present bool
	if err := serialize.DeserializeBool(&present, reader); err != nil {
		return err
	}
	if !present {
		*info = nil
		return nil
	}
	out := &ProtoInfo{}
	if err := serialize.DeserializeString(&out.MD5, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeInt64(&out.LastModified, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&out.Runtime, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&out.Node, reader); err != nil {
		return err
	}
	*info = out
	return nil
}

func byteSizeError(e *Error) int {
	dataBytes := errDataBytes(e)
	return serialize.ByteSizeString(e.Message) +
		serialize.ByteSizeString(string(e.Type)) +
		serialize.ByteSizeString(e.Code) +
		serialize.ByteSizeBytes(dataBytes)
}

func errDataBytes(e *Error) []byte {
	if len(e.Data) == 0 {
		return nil
	}
	bs, err := json.Marshal(e.Data)
	if err != nil {
		return nil
	}
	return bs
}

func serializeError(writer *serialize.FixedSizeWriter, e *Error) {
	serialize.SerializeString(writer, e.Message)
	serialize.SerializeString(writer, string(e.Type))
	serialize.SerializeString(writer, e.Code)
	serialize.SerializeBytes(writer, errDataBytes(e))
}

func deserializeError(e **Error, reader *serialize.Reader) error {
	out := &Error{}
	if err := serialize.DeserializeString(&out.Message, reader); err != nil {
		return err
	}
	var typ string
	if err := serialize.DeserializeString(&typ, reader); err != nil {
		return err
	}
	out.Type = ErrorType(typ)
	if err := serialize.DeserializeString(&out.Code, reader); err != nil {
		return err
	}
	var dataBytes []byte
	if err := serialize.DeserializeBytes(&dataBytes, reader); err != nil {
		return err
	}
	if len(dataBytes) > 0 {
		if err := json.Unmarshal(dataBytes, &out.Data); err != nil {
			return err
		}
	}
	*e = out
	return nil
}

// EncodeBoxBuffer frames a box in the compact binary variant. Service
// names travel as numeric ids from the shared ServiceMap.
func EncodeBoxBuffer(box *Box, sm *ServiceMap) ([]byte, error) {
	tag, err := bufTagOf(box.Type)
	if err != nil {
		return nil, err
	}

	var svc *Service
	switch box.Type {
	case DataTypeReq, DataTypeRes, DataTypeMsg:
		var ok bool
		svc, ok = sm.ByName(box.ServiceName)
		if !ok {
			return nil, fmt.Errorf("unknown service %q", box.ServiceName)
		}
	}

	size := serialize.ByteSizeUInt8(tag)
	switch box.Type {
	case DataTypeReq, DataTypeRes:
		size += serialize.ByteSizeUInt16(svc.ID) +
			serialize.ByteSizeUInt32(box.SN) +
			byteSizeProtoInfo(box.ProtoInfo) +
			serialize.ByteSizeBytes(box.Body)
	case DataTypeErr:
		size += serialize.ByteSizeUInt32(box.SN) +
			byteSizeProtoInfo(box.ProtoInfo) +
			byteSizeError(box.Err)
	case DataTypeMsg:
		size += serialize.ByteSizeUInt16(svc.ID) +
			serialize.ByteSizeBytes(box.Body)
	case DataTypeHeartbeat:
		size += serialize.ByteSizeUInt32(box.SN) +
			serialize.ByteSizeBool(box.IsReply)
	case DataTypeCustom:
		size += serialize.ByteSizeBytes(box.Custom)
	}

	writer := serialize.NewFixedSizeWriter(size)
	serialize.SerializeUInt8(writer, tag)
	switch box.Type {
	case DataTypeReq, DataTypeRes:
		serialize.SerializeUInt16(writer, svc.ID)
		serialize.SerializeUInt32(writer, box.SN)
		serializeProtoInfo(writer, box.ProtoInfo)
		serialize.SerializeBytes(writer, box.Body)
	case DataTypeErr:
		serialize.SerializeUInt32(writer, box.SN)
		serializeProtoInfo(writer, box.ProtoInfo)
		serializeError(writer, box.Err)
	case DataTypeMsg:
		serialize.SerializeUInt16(writer, svc.ID)
		serialize.SerializeBytes(writer, box.Body)
	case DataTypeHeartbeat:
		serialize.SerializeUInt32(writer, box.SN)
		serialize.SerializeBool(writer, box.IsReply)
	case DataTypeCustom:
		serialize.SerializeBytes(writer, box.Custom)
	}

	return writer.Bytes(), nil
}

// DecodeBoxBuffer parses the binary envelope. The service is resolved from
// the numeric id; for an inbound res whose sn matches a pending call, the
// pending call's api name replaces it.
func DecodeBoxBuffer(raw []byte, sm *ServiceMap, pending *PendingCalls) (*Box, error) {
	reader := serialize.NewReader(raw)

	var tag uint8
	if err := serialize.DeserializeUInt8(&tag, reader); err != nil {
		return nil, err
	}
	dataType, err := dataTypeOfBufTag(tag)
	if err != nil {
		return nil, err
	}

	box := &Box{Type: dataType}

	readService := func() error {
		var id uint16
		if err := serialize.DeserializeUInt16(&id, reader); err != nil {
			return err
		}
		svc, ok := sm.ByID(id)
		if !ok {
			return fmt.Errorf("unknown service id %d", id)
		}
		box.ServiceName = svc.Name
		return nil
	}

	switch dataType {
	case DataTypeReq, DataTypeRes:
		if err := readService(); err != nil {
			return nil, err
		}
		if err := serialize.DeserializeUInt32(&box.SN, reader); err != nil {
			return nil, err
		}
		if err := deserializeProtoInfo(&box.ProtoInfo, reader); err != nil {
			return nil, err
		}
		if err := serialize.DeserializeBytes(&box.Body, reader); err != nil {
			return nil, err
		}
		if dataType == DataTypeRes {
			if name, ok := pending.ApiName(box.SN); ok {
				box.ServiceName = name
			}
		}
	case DataTypeErr:
		if err := serialize.DeserializeUInt32(&box.SN, reader); err != nil {
			return nil, err
		}
		if err := deserializeProtoInfo(&box.ProtoInfo, reader); err != nil {
			return nil, err
		}
		if err := deserializeError(&box.Err, reader); err != nil {
			return nil, err
		}
	case DataTypeMsg:
		if err := readService(); err != nil {
			return nil, err
		}
		if err := serialize.DeserializeBytes(&box.Body, reader); err != nil {
			return nil, err
		}
	case DataTypeHeartbeat:
		if err := serialize.DeserializeUInt32(&box.SN, reader); err != nil {
			return nil, err
		}
		if err := serialize.DeserializeBool(&box.IsReply, reader); err != nil {
			return nil, err
		}
	case DataTypeCustom:
		if err := serialize.DeserializeBytes(&box.Custom, reader); err != nil {
			return nil, err
		}
	}

	return box, nil
}
