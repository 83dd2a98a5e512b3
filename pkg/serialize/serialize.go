package serialize

import (
	"time"
	"unsafe"

	"github.com/google/uuid"
)

func ByteSizeUInt8(uint8) int {
	return 1
}

func SerializeUInt8(writer *FixedSizeWriter, data uint8) {
	bs := writer.Next(1)
	bs[0] = byte(data)
}

func DeserializeUInt8(data *uint8, reader *Reader) error {
	bs, err := reader.Read(1)
	if err != nil {
		return err
	}
	*data = uint8(bs[0])
	return nil
}

func ByteSizeUInt16(uint16) int {
	return 2
}

func SerializeUInt16(writer *FixedSizeWriter, data uint16) {
	bs := writer.Next(2)
	bs[0] = byte(data >> 8)
	bs[1] = byte(data)
}

func DeserializeUInt16(data *uint16, reader *Reader) error {
	bs, err := reader.Read(2)
	if err != nil {
		return err
	}
	*data = uint16(bs[0])<<8 | uint16(bs[1])
	return nil
}

func ByteSizeUInt32(uint32) int {
	return 4
}

func SerializeUInt32(writer *FixedSizeWriter, data uint32) {
	bs := writer.Next(4)
	bs[0] = byte(data >> 24)
	bs[1] = byte(data >> 16)
	bs[2] = byte(data >> 8)
	bs[3] = byte(data)
}

func DeserializeUInt32(data *uint32, reader *Reader) error {
	bs, err := reader.Read(4)
	if err != nil {
		return err
	}
	*data = uint32(bs[0])<<24 |
		uint32(bs[1])<<16 |
		uint32(bs[2])<<8 |
		uint32(bs[3])
	return nil
}

func ByteSizeUInt64(uint64) int {
	return 8
}

func SerializeUInt64(writer *FixedSizeWriter, data uint64) {
	bs := writer.Next(8)
	bs[0] = byte(data >> 56)
	bs[1] = byte(data >> 48)
	bs[2] = byte(data >> 40)
	bs[3] = byte(data >> 32)
	bs[4] = byte(data >> 24)
	bs[5] = byte(data >> 16)
	bs[6] = byte(data >> 8)
	bs[7] = byte(data)
}

func DeserializeUInt64(data *uint64, reader *Reader) error {
	bs, err := reader.Read(8)
	if err != nil {
		return err
	}
	*data = uint64(bs[0])<<56 |
		uint64(bs[1])<<48 |
		uint64(bs[2])<<40 |
		uint64(bs[3])<<32 |
		uint64(bs[4])<<24 |
		uint64(bs[5])<<16 |
		uint64(bs[6])<<8 |
		uint64(bs[7])
	return nil
}

func ByteSizeInt64(int64) int {
	return 8
}

func SerializeInt64(writer *FixedSizeWriter, data int64) {
	SerializeUInt64(writer, uint64(data))
}

func DeserializeInt64(data *int64, reader *Reader) error {
	return DeserializeUInt64((*uint64)(unsafe.Pointer(data)), reader)
}

func ByteSizeBool(bool) int {
	return 1
}

func SerializeBool(writer *FixedSizeWriter, data bool) {
	val := uint8(0)
	if data {
		val = 1
	}
	SerializeUInt8(writer, val)
}

func DeserializeBool(data *bool, reader *Reader) error {
	var val uint8
	err := DeserializeUInt8(&val, reader)
	if err != nil {
		return err
	}
	*data = val == 1
	return nil
}

func ByteSizeString(data string) int {
	return 4 + len(data)
}

func SerializeString(writer *FixedSizeWriter, data string) {
	SerializeUInt32(writer, uint32(len(data)))
	bs := writer.Next(len(data))
	copy(bs, data)
}

func DeserializeString(data *string, reader *Reader) error {
	var length uint32
	err := DeserializeUInt32(&length, reader)
	if err != nil {
		return err
	}

	bs, err := reader.Read(int(length))
	if err != nil {
		return err
	}
	*data = string(bs)
	return nil
}

func ByteSizeBytes(data []byte) int {
	return 4 + len(data)
}

func SerializeBytes(writer *FixedSizeWriter, data []byte) {
	SerializeUInt32(writer, uint32(len(data)))
	bs := writer.Next(len(data))
	copy(bs, data)
}

func DeserializeBytes(data *[]byte, reader *Reader) error {
	var length uint32
	err := DeserializeUInt32(&length, reader)
	if err != nil {
		return err
	}

	bs, err := reader.Read(int(length))
	if err != nil {
		return err
	}
	out := make([]byte, length)
	copy(out, bs)
	*data = out
	return nil
}

func ByteSizeTime(time.Time) int {
	return 16
}

func SerializeTime(writer *FixedSizeWriter, data time.Time) {
	timeUTC := data.UTC()

	seconds := timeUTC.Unix()
	nanoseconds := timeUTC.UnixNano() - seconds*int64(time.Second)

	SerializeUInt64(writer, uint64(seconds))
	SerializeUInt64(writer, uint64(nanoseconds))
}

func DeserializeTime(data *time.Time, reader *Reader) error {
	var seconds uint64
	var nanoseconds uint64
	err := DeserializeUInt64(&seconds, reader)
	if err != nil {
		return err
	}
	err = DeserializeUInt64(&nanoseconds, reader)
	if err != nil {
		return err
	}

	*data = time.Unix(int64(seconds), int64(nanoseconds))
	return nil
}

func ByteSizeUUID(uuid.UUID) int {
	return 16
}

func SerializeUUID(writer *FixedSizeWriter, data uuid.UUID) {
	bs := writer.Next(16)
	copy(bs, data[:])
}

func DeserializeUUID(data *uuid.UUID, reader *Reader) error {
	bs, err := reader.Read(16)
	if err != nil {
		return err
	}
	copy((*data)[:], bs)
	return nil
}
