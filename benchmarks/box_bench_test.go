package benchmarks

import (
	"testing"

	"github.com/calder/duplex/pkg/rpc"
)

func benchReqBox() *rpc.Box {
	return &rpc.Box{
		Type:        rpc.DataTypeReq,
		ServiceName: "Echo",
		SN:          42,
		Body:        []byte(`{"payload":"benchmark payload","count":1}`),
	}
}

func BenchmarkBoxTextEncode(b *testing.B) {
	box := benchReqBox()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := rpc.EncodeBoxText(box); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBoxTextDecode(b *testing.B) {
	raw, err := rpc.EncodeBoxText(benchReqBox())
	if err != nil {
		b.Fatal(err)
	}
	pending := rpc.NewPendingCalls()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rpc.DecodeBoxText(raw, pending); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBoxBufferEncode(b *testing.B) {
	sm := newBenchServiceMap()
	box := benchReqBox()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := rpc.EncodeBoxBuffer(box, sm); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBoxBufferDecode(b *testing.B) {
	sm := newBenchServiceMap()
	raw, err := rpc.EncodeBoxBuffer(benchReqBox(), sm)
	if err != nil {
		b.Fatal(err)
	}
	pending := rpc.NewPendingCalls()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rpc.DecodeBoxBuffer(raw, sm, pending); err != nil {
			b.Fatal(err)
		}
	}
}
