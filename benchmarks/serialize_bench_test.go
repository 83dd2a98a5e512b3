package benchmarks

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/calder/duplex/pkg/serialize"
)

type benchRecord struct {
	ID        uuid.UUID
	Timestamp time.Time
	Value     string
	Count     uint32
}

func (r *benchRecord) byteSize() int {
	return serialize.ByteSizeUUID(r.ID) +
		serialize.ByteSizeTime(r.Timestamp) +
		serialize.ByteSizeString(r.Value) +
		serialize.ByteSizeUInt32(r.Count)
}

func (r *benchRecord) serialize(writer *serialize.FixedSizeWriter) {
	serialize.SerializeUUID(writer, r.ID)
	serialize.SerializeTime(writer, r.Timestamp)
	serialize.SerializeString(writer, r.Value)
	serialize.SerializeUInt32(writer, r.Count)
}

func (r *benchRecord) deserialize(reader *serialize.Reader) error {
	if err := serialize.DeserializeUUID(&r.ID, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeTime(&r.Timestamp, reader); err != nil {
		return err
	}
	if err := serialize.DeserializeString(&r.Value, reader); err != nil {
		return err
	}
	return serialize.DeserializeUInt32(&r.Count, reader)
}

func BenchmarkRecordSerialization(b *testing.B) {
	rec := &benchRecord{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Value:     "Hello, World! This is a test record.",
		Count:     42,
	}

	b.Run("Serialize", func(b *testing.B) {
		size := rec.byteSize()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			writer := serialize.NewFixedSizeWriter(size)
			rec.serialize(writer)
			_ = writer.Bytes()
		}
	})

	b.Run("Deserialize", func(b *testing.B) {
		writer := serialize.NewFixedSizeWriter(rec.byteSize())
		rec.serialize(writer)
		bs := writer.Bytes()

		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			reader := serialize.NewReader(bs)
			var result benchRecord
			result.deserialize(reader)
		}
	})
}

func BenchmarkStringSerialization(b *testing.B) {
	val := "a moderately sized string used for throughput measurement"

	b.Run("Serialize", func(b *testing.B) {
		size := serialize.ByteSizeString(val)
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			writer := serialize.NewFixedSizeWriter(size)
			serialize.SerializeString(writer, val)
			_ = writer.Bytes()
		}
	})

	b.Run("Deserialize", func(b *testing.B) {
		writer := serialize.NewFixedSizeWriter(serialize.ByteSizeString(val))
		serialize.SerializeString(writer, val)
		bs := writer.Bytes()

		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			reader := serialize.NewReader(bs)
			var out string
			serialize.DeserializeString(&out, reader)
		}
	})
}
