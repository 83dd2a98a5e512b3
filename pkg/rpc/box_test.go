package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxTextReqRoundTrip(t *testing.T) {
	box := &Box{
		Type:        DataTypeReq,
		ServiceName: "Ping",
		SN:          12,
		Body:        []byte(`{"count":1}`),
		ProtoInfo:   &ProtoInfo{MD5: "abc", LastModified: 1700000000000, Runtime: "duplex/1.2.0"},
	}

	raw, err := EncodeBoxText(box)
	require.NoError(t, err)

	out, err := DecodeBoxText(raw, NewPendingCalls())
	require.NoError(t, err)

	assert.Equal(t, DataTypeReq, out.Type)
	assert.Equal(t, "Ping", out.ServiceName)
	assert.Equal(t, uint32(12), out.SN)
	assert.JSONEq(t, `{"count":1}`, string(out.Body))
	require.NotNil(t, out.ProtoInfo)
	assert.Equal(t, "abc", out.ProtoInfo.MD5)
}

func TestBoxTextResRecoversServiceFromPending(t *testing.T) {
	pending := NewPendingCalls()
	pending.Insert(newPendingCall(5, "Ping", nil, ""))

	raw, err := EncodeBoxText(&Box{
		Type: DataTypeRes,
		SN:   5,
		Body: []byte(`{"count":2}`),
	})
	require.NoError(t, err)

	out, err := DecodeBoxText(raw, pending)
	require.NoError(t, err)
	assert.Equal(t, "Ping", out.ServiceName)
}

func TestBoxTextResUnknownSNFails(t *testing.T) {
	raw, err := EncodeBoxText(&Box{
		Type: DataTypeRes,
		SN:   99,
		Body: []byte(`{}`),
	})
	require.NoError(t, err)

	_, err = DecodeBoxText(raw, NewPendingCalls())
	assert.Error(t, err)
}

func TestBoxTextErrRoundTrip(t *testing.T) {
	raw, err := EncodeBoxText(&Box{
		Type: DataTypeErr,
		SN:   3,
		Err:  NewErrorCode(ErrorTypeNetwork, CodeTimeout, "Request Timeout"),
	})
	require.NoError(t, err)

	out, err := DecodeBoxText(raw, NewPendingCalls())
	require.NoError(t, err)
	require.NotNil(t, out.Err)
	assert.Equal(t, ErrorTypeNetwork, out.Err.Type)
	assert.Equal(t, CodeTimeout, out.Err.Code)
	assert.Equal(t, "Request Timeout", out.Err.Message)
}

func TestBoxTextHeartbeatRoundTrip(t *testing.T) {
	raw, err := EncodeBoxText(&Box{Type: DataTypeHeartbeat, SN: 4, IsReply: true})
	require.NoError(t, err)

	out, err := DecodeBoxText(raw, NewPendingCalls())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), out.SN)
	assert.True(t, out.IsReply)
}

func TestBoxTextRejectsMalformed(t *testing.T) {
	_, err := DecodeBoxText([]byte("not json"), NewPendingCalls())
	assert.Error(t, err)

	_, err = DecodeBoxText([]byte(`{"type":"wat"}`), NewPendingCalls())
	assert.Error(t, err)

	_, err = DecodeBoxText([]byte(`{"type":"req","sn":1}`), NewPendingCalls())
	assert.Error(t, err)
}

func TestBoxBufferReqRoundTrip(t *testing.T) {
	sm := newTestServiceMap()

	box := &Box{
		Type:        DataTypeReq,
		ServiceName: "Ping",
		SN:          12,
		Body:        []byte(`{"count":1}`),
		ProtoInfo:   &ProtoInfo{MD5: "abc", LastModified: 1700000000000, Runtime: "duplex/1.2.0", Node: "go1.22"},
	}

	raw, err := EncodeBoxBuffer(box, sm)
	require.NoError(t, err)

	out, err := DecodeBoxBuffer(raw, sm, NewPendingCalls())
	require.NoError(t, err)

	assert.Equal(t, DataTypeReq, out.Type)
	assert.Equal(t, "Ping", out.ServiceName)
	assert.Equal(t, uint32(12), out.SN)
	assert.Equal(t, box.Body, out.Body)
	require.NotNil(t, out.ProtoInfo)
	assert.Equal(t, "abc", out.ProtoInfo.MD5)
	assert.Equal(t, "go1.22", out.ProtoInfo.Node)
}

func TestBoxBufferResUsesPendingForApiName(t *testing.T) {
	sm := newTestServiceMap()
	pending := NewPendingCalls()
	pending.Insert(newPendingCall(9, "Ping", nil, ""))

	raw, err := EncodeBoxBuffer(&Box{
		Type:        DataTypeRes,
		ServiceName: "Ping",
		SN:          9,
		Body:        []byte(`{"count":2}`),
	}, sm)
	require.NoError(t, err)

	out, err := DecodeBoxBuffer(raw, sm, pending)
	require.NoError(t, err)
	assert.Equal(t, "Ping", out.ServiceName)
	assert.Equal(t, uint32(9), out.SN)
}

func TestBoxBufferErrRoundTrip(t *testing.T) {
	sm := newTestServiceMap()

	e := NewApiError("balance too low", map[string]any{"balance": float64(3)})
	raw, err := EncodeBoxBuffer(&Box{Type: DataTypeErr, SN: 2, Err: e}, sm)
	require.NoError(t, err)

	out, err := DecodeBoxBuffer(raw, sm, NewPendingCalls())
	require.NoError(t, err)
	require.NotNil(t, out.Err)
	assert.Equal(t, ErrorTypeApi, out.Err.Type)
	assert.Equal(t, "balance too low", out.Err.Message)
	assert.Equal(t, float64(3), out.Err.Data["balance"])
}

func TestBoxBufferMsgRoundTrip(t *testing.T) {
	sm := newTestServiceMap()

	raw, err := EncodeBoxBuffer(&Box{
		Type:        DataTypeMsg,
		ServiceName: "Chat",
		Body:        []byte(`{"content":"hi"}`),
	}, sm)
	require.NoError(t, err)

	out, err := DecodeBoxBuffer(raw, sm, NewPendingCalls())
	require.NoError(t, err)
	assert.Equal(t, "Chat", out.ServiceName)
	assert.Equal(t, []byte(`{"content":"hi"}`), out.Body)
}

func TestBoxBufferHeartbeatAndCustom(t *testing.T) {
	sm := newTestServiceMap()

	raw, err := EncodeBoxBuffer(&Box{Type: DataTypeHeartbeat, SN: 7, IsReply: true}, sm)
	require.NoError(t, err)
	out, err := DecodeBoxBuffer(raw, sm, NewPendingCalls())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), out.SN)
	assert.True(t, out.IsReply)

	raw, err = EncodeBoxBuffer(&Box{Type: DataTypeCustom, Custom: []byte{0xDE, 0xAD}}, sm)
	require.NoError(t, err)
	out, err = DecodeBoxBuffer(raw, sm, NewPendingCalls())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, out.Custom)
}

func TestBoxBufferUnknownService(t *testing.T) {
	sm := newTestServiceMap()

	_, err := EncodeBoxBuffer(&Box{
		Type:        DataTypeReq,
		ServiceName: "Nope",
		SN:          1,
	}, sm)
	assert.Error(t, err)

	// service id 0xFFFF was never assigned
	raw := []byte{0x01, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x01}
	_, err = DecodeBoxBuffer(raw, sm, NewPendingCalls())
	assert.Error(t, err)
}

func TestBoxBufferRejectsUnknownTag(t *testing.T) {
	sm := newTestServiceMap()
	_, err := DecodeBoxBuffer([]byte{0x7F}, sm, NewPendingCalls())
	assert.Error(t, err)
}
