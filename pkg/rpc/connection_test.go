package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder/duplex/pkg/log"
)

// pipeConn is an in-process transport channel for wiring two connections
// together without a network.
type pipeConn struct {
	sendCh chan []byte
	recvCh chan []byte
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{sendCh: ab, recvCh: ba, closed: closed, once: once}
	b := &pipeConn{sendCh: ba, recvCh: ab, closed: closed, once: once}
	return a, b
}

func (p *pipeConn) Send(data []byte) error {
	select {
	case <-p.closed:
		return errors.New("connection closed")
	case p.sendCh <- data:
		return nil
	}
}

func (p *pipeConn) Receive() ([]byte, error) {
	select {
	case bs := <-p.recvCh:
		return bs, nil
	case <-p.closed:
		select {
		case bs := <-p.recvCh:
			return bs, nil
		default:
			return nil, errors.New("connection closed")
		}
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type testLink struct {
	client *Connection
	server *Connection
}

func newTestLink(t *testing.T, clientOpts, serverOpts *ConnectionOptions) *testLink {
	t.Helper()

	sm := newTestServiceMap()
	client := newConnection(SideClient, clientOpts, sm, nil, nil, nil)
	server := newConnection(SideServer, serverOpts, sm, nil, nil, nil)

	clientEnd, serverEnd := newPipe()
	client.attach(clientEnd)
	server.attach(serverEnd)

	t.Cleanup(func() {
		client.Disconnect("")
		server.Disconnect("")
	})
	return &testLink{client: client, server: server}
}

func registerEcho(conn *Connection) {
	RegisterApi(conn, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		return &pingRes{Count: req.Count + 1}, nil
	})
}

func TestCallApiEcho(t *testing.T) {
	link := newTestLink(t, nil, nil)
	registerEcho(link.server)

	ret := link.client.CallApi("Ping", &pingReq{Count: 1})
	require.NotNil(t, ret)
	require.True(t, ret.Succ)
	assert.Equal(t, int32(2), ret.Res.(*pingRes).Count)
	assert.Equal(t, 0, link.client.PendingCallCount())
}

func TestCallApiHandlerError(t *testing.T) {
	link := newTestLink(t, nil, nil)
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		return nil, errors.New("count exhausted")
	})

	ret := link.client.CallApi("Ping", &pingReq{Count: 1})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeApi, ret.Err.Type)
	assert.Equal(t, "count exhausted", ret.Err.Message)
}

func TestCallApiTypedErrorPassesThrough(t *testing.T) {
	link := newTestLink(t, nil, nil)
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		return nil, NewErrorCode(ErrorTypeServer, "MAINTENANCE", "down for maintenance")
	})

	ret := link.client.CallApi("Ping", &pingReq{})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeServer, ret.Err.Type)
	assert.Equal(t, "MAINTENANCE", ret.Err.Code)
}

func TestCallApiNotImplemented(t *testing.T) {
	link := newTestLink(t, nil, nil)

	ret := link.client.CallApi("Ping", &pingReq{})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeServer, ret.Err.Type)
	assert.Contains(t, ret.Err.Message, "API not implemented")
}

func TestCallApiHandlerPanicBecomesInternalError(t *testing.T) {
	serverOpts := DefaultConnectionOptions()
	serverOpts.ReturnInnerError = true
	link := newTestLink(t, nil, serverOpts)

	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		panic("boom")
	})

	ret := link.client.CallApi("Ping", &pingReq{})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeServer, ret.Err.Type)
	assert.Equal(t, "Internal Server Error", ret.Err.Message)
	assert.Equal(t, "boom", ret.Err.Data["innerError"])
}

func TestCallApiTimeout(t *testing.T) {
	link := newTestLink(t, nil, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		<-release
		return &pingRes{}, nil
	})

	ret := link.client.CallApi("Ping", &pingReq{}, &CallOptions{Timeout: 50 * time.Millisecond})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeNetwork, ret.Err.Type)
	assert.Equal(t, CodeTimeout, ret.Err.Code)
	assert.Equal(t, "Request Timeout", ret.Err.Message)
	assert.Equal(t, 0, link.client.PendingCallCount())
}

func TestCallApiServerTimeout(t *testing.T) {
	serverOpts := DefaultConnectionOptions()
	serverOpts.ApiCallTimeout = 50 * time.Millisecond
	link := newTestLink(t, nil, serverOpts)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		<-release
		return &pingRes{}, nil
	})

	ret := link.client.CallApi("Ping", &pingReq{})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeServer, ret.Err.Type)
	assert.Equal(t, CodeServerTimeout, ret.Err.Code)
	assert.Equal(t, "Remote Timeout", ret.Err.Message)
}

func TestCallApiContextCancelAborts(t *testing.T) {
	link := newTestLink(t, nil, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		<-release
		return &pingRes{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *ApiReturn, 1)
	go func() {
		done <- link.client.CallApi("Ping", &pingReq{}, &CallOptions{Context: ctx})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ret := <-done:
		assert.Nil(t, ret)
	case <-time.After(time.Second):
		t.Fatal("aborted call did not unblock")
	}
	assert.Equal(t, 0, link.client.PendingCallCount())
}

func TestCallApiAbortByKey(t *testing.T) {
	link := newTestLink(t, nil, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		<-release
		return &pingRes{}, nil
	})

	done := make(chan *ApiReturn, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- link.client.CallApi("Ping", &pingReq{}, &CallOptions{AbortKey: "screen"})
		}()
	}

	require.Eventually(t, func() bool {
		return link.client.PendingCallCount() == 2
	}, time.Second, 5*time.Millisecond)

	link.client.AbortByKey("screen")

	for i := 0; i < 2; i++ {
		select {
		case ret := <-done:
			assert.Nil(t, ret)
		case <-time.After(time.Second):
			t.Fatal("aborted call did not unblock")
		}
	}
	assert.Equal(t, 0, link.client.PendingCallCount())
}

func TestCallApiPreCallShortCircuit(t *testing.T) {
	link := newTestLink(t, nil, nil)

	served := false
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		served = true
		return &pingRes{}, nil
	})

	link.client.Flows().PreCallApi.Push(func(ev *CallApiEvent, _ log.Logger) (*CallApiEvent, bool) {
		ev.Return = SuccReturn(&pingRes{Count: 99})
		return ev, true
	})

	ret := link.client.CallApi("Ping", &pingReq{Count: 1})
	require.NotNil(t, ret)
	require.True(t, ret.Succ)
	assert.Equal(t, int32(99), ret.Res.(*pingRes).Count)
	assert.False(t, served)
}

func TestCallApiPreCallCancelReturnsNil(t *testing.T) {
	link := newTestLink(t, nil, nil)
	registerEcho(link.server)

	link.client.Flows().PreCallApi.Push(func(ev *CallApiEvent, _ log.Logger) (*CallApiEvent, bool) {
		return ev, false
	})

	assert.Nil(t, link.client.CallApi("Ping", &pingReq{}))
	assert.Equal(t, 0, link.client.PendingCallCount())
}

func TestSendMsgDelivery(t *testing.T) {
	link := newTestLink(t, nil, nil)

	got := make(chan string, 1)
	link.server.OnMsg("Chat", func(conn *Connection, msgName string, msg any) {
		got <- msg.(*chatMsg).Content
	})

	res := link.client.SendMsg("Chat", &chatMsg{Content: "hello"})
	require.NotNil(t, res)
	require.True(t, res.Succ)

	select {
	case content := <-got:
		assert.Equal(t, "hello", content)
	case <-time.After(time.Second):
		t.Fatal("msg was not delivered")
	}
}

func TestSendMsgFlowCancelReturnsNil(t *testing.T) {
	link := newTestLink(t, nil, nil)

	link.client.Flows().PreSendMsg.Push(func(ev *MsgEvent, _ log.Logger) (*MsgEvent, bool) {
		return ev, false
	})

	assert.Nil(t, link.client.SendMsg("Chat", &chatMsg{Content: "dropped"}))
}

func TestRecvMsgFlowCancelSuppressesDelivery(t *testing.T) {
	link := newTestLink(t, nil, nil)

	delivered := make(chan struct{}, 1)
	link.server.OnMsg("Chat", func(conn *Connection, msgName string, msg any) {
		delivered <- struct{}{}
	})
	link.server.Flows().PreRecvMsg.Push(func(ev *MsgEvent, _ log.Logger) (*MsgEvent, bool) {
		return ev, false
	})

	require.True(t, link.client.SendMsg("Chat", &chatMsg{Content: "x"}).Succ)

	select {
	case <-delivered:
		t.Fatal("canceled msg should not reach handlers")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOnMsgOnceAndOff(t *testing.T) {
	link := newTestLink(t, nil, nil)

	var mu sync.Mutex
	onceCount := 0
	onCount := 0

	link.server.OnMsgOnce("Chat", func(conn *Connection, msgName string, msg any) {
		mu.Lock()
		onceCount++
		mu.Unlock()
	})
	persistent := func(conn *Connection, msgName string, msg any) {
		mu.Lock()
		onCount++
		mu.Unlock()
	}
	link.server.OnMsg("Chat", persistent)

	link.client.SendMsg("Chat", &chatMsg{Content: "a"})
	link.client.SendMsg("Chat", &chatMsg{Content: "b"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return onCount == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, onceCount)
	mu.Unlock()

	link.server.OffMsg("Chat", persistent)
	link.client.SendMsg("Chat", &chatMsg{Content: "c"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, onCount)
	mu.Unlock()
}

func TestDisconnectResolvesPendingWithLostConn(t *testing.T) {
	link := newTestLink(t, nil, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	RegisterApi(link.server, "Ping", func(call *ApiCall, req *pingReq) (*pingRes, error) {
		<-release
		return &pingRes{}, nil
	})

	pendingAtHook := make(chan int, 1)
	link.client.Flows().PostDisconnect.Push(func(ev *DisconnectEvent, _ log.Logger) (*DisconnectEvent, bool) {
		pendingAtHook <- ev.Conn.PendingCallCount()
		return ev, true
	})

	done := make(chan *ApiReturn, 1)
	go func() {
		done <- link.client.CallApi("Ping", &pingReq{})
	}()

	require.Eventually(t, func() bool {
		return link.client.PendingCallCount() == 1
	}, time.Second, 5*time.Millisecond)

	res := link.client.Disconnect("test over")
	require.True(t, res.Succ)

	select {
	case ret := <-done:
		require.NotNil(t, ret)
		require.False(t, ret.Succ)
		assert.Equal(t, ErrorTypeNetwork, ret.Err.Type)
		assert.Equal(t, CodeLostConn, ret.Err.Code)
	case <-time.After(time.Second):
		t.Fatal("pending call did not resolve on disconnect")
	}

	// every pending call settles before the post hook runs
	assert.Equal(t, 0, <-pendingAtHook)
	assert.Equal(t, StatusDisconnected, link.client.Status())
}

func TestDisconnectPropagatesToPeer(t *testing.T) {
	link := newTestLink(t, nil, nil)

	link.client.Disconnect("")

	require.Eventually(t, func() bool {
		return link.server.Status() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	link := newTestLink(t, nil, nil)

	require.True(t, link.client.Disconnect("").Succ)
	assert.True(t, link.client.Disconnect("again").Succ)
}

func TestCallApiAfterDisconnectFails(t *testing.T) {
	link := newTestLink(t, nil, nil)
	registerEcho(link.server)
	link.client.Disconnect("")

	ret := link.client.CallApi("Ping", &pingReq{})
	require.NotNil(t, ret)
	require.False(t, ret.Succ)
	assert.Equal(t, ErrorTypeLocal, ret.Err.Type)
	assert.Contains(t, ret.Err.Message, "not connected")
}

func TestCustomDataPassthrough(t *testing.T) {
	link := newTestLink(t, nil, nil)

	got := make(chan []byte, 1)
	link.server.OnCustomData(func(conn *Connection, data []byte) {
		got <- data
	})

	res := link.client.SendCustomData([]byte{0xCA, 0xFE})
	require.True(t, res.Succ)

	select {
	case data := <-got:
		assert.Equal(t, []byte{0xCA, 0xFE}, data)
	case <-time.After(time.Second):
		t.Fatal("custom data was not delivered")
	}
}

func TestProtoInfoExchangedOnFirstCall(t *testing.T) {
	link := newTestLink(t, nil, nil)
	registerEcho(link.server)

	require.Nil(t, link.client.RemoteProtoInfo())
	require.Nil(t, link.server.RemoteProtoInfo())

	ret := link.client.CallApi("Ping", &pingReq{Count: 1})
	require.True(t, ret.Succ)

	local := link.client.ServiceMap().ProtoInfo()

	remote := link.server.RemoteProtoInfo()
	require.NotNil(t, remote)
	assert.Equal(t, local.MD5, remote.MD5)

	require.Eventually(t, func() bool {
		return link.client.RemoteProtoInfo() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, local.MD5, link.client.RemoteProtoInfo().MD5)
}

func TestBufferWireModeEndToEnd(t *testing.T) {
	clientOpts := DefaultConnectionOptions()
	clientOpts.WireMode = WireModeBuffer
	serverOpts := DefaultConnectionOptions()
	serverOpts.WireMode = WireModeBuffer
	link := newTestLink(t, clientOpts, serverOpts)
	registerEcho(link.server)

	ret := link.client.CallApi("Ping", &pingReq{Count: 41})
	require.NotNil(t, ret)
	require.True(t, ret.Succ)
	assert.Equal(t, int32(42), ret.Res.(*pingRes).Count)

	got := make(chan string, 1)
	link.server.OnMsg("Chat", func(conn *Connection, msgName string, msg any) {
		got <- msg.(*chatMsg).Content
	})
	require.True(t, link.client.SendMsg("Chat", &chatMsg{Content: "binary"}).Succ)

	select {
	case content := <-got:
		assert.Equal(t, "binary", content)
	case <-time.After(time.Second):
		t.Fatal("msg was not delivered")
	}
}

func TestPreRecvDataDecodedBypass(t *testing.T) {
	link := newTestLink(t, nil, nil)

	got := make(chan string, 1)
	link.server.OnMsg("Chat", func(conn *Connection, msgName string, msg any) {
		got <- msg.(*chatMsg).Content
	})
	link.server.Flows().PreRecvData.Push(func(ev *RecvDataEvent, _ log.Logger) (*RecvDataEvent, bool) {
		ev.Decoded = &TransportData{
			Type:        DataTypeMsg,
			ServiceName: "Chat",
			Body:        &chatMsg{Content: "injected"},
		}
		return ev, true
	})

	require.True(t, link.client.SendMsg("Chat", &chatMsg{Content: "original"}).Succ)

	select {
	case content := <-got:
		assert.Equal(t, "injected", content)
	case <-time.After(time.Second):
		t.Fatal("msg was not delivered")
	}
}

func TestHeartbeatLatencyRecorded(t *testing.T) {
	clientOpts := DefaultConnectionOptions()
	clientOpts.Heartbeat = true
	clientOpts.HeartbeatSendInterval = 10 * time.Millisecond
	clientOpts.HeartbeatRecvTimeout = time.Second
	link := newTestLink(t, clientOpts, nil)

	// the server has heartbeats disabled but still answers pings
	require.Eventually(t, func() bool {
		return link.client.LastHeartbeatLatency() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatRecvTimeoutDisconnects(t *testing.T) {
	opts := DefaultConnectionOptions()
	opts.Heartbeat = true
	opts.HeartbeatSendInterval = 10 * time.Millisecond
	opts.HeartbeatRecvTimeout = 60 * time.Millisecond

	conn := newConnection(SideClient, opts, newTestServiceMap(), nil, nil, nil)

	reason := make(chan string, 1)
	conn.Flows().PostDisconnect.Push(func(ev *DisconnectEvent, _ log.Logger) (*DisconnectEvent, bool) {
		reason <- ev.Reason
		return ev, true
	})

	// the peer end is never attached, so pings go unanswered
	end, _ := newPipe()
	conn.attach(end)

	select {
	case r := <-reason:
		assert.Equal(t, "Receive heartbeat timeout", r)
	case <-time.After(time.Second):
		t.Fatal("recv timeout did not disconnect")
	}
	assert.Equal(t, StatusDisconnected, conn.Status())
}

func TestRecvDataDroppedWhenDisconnected(t *testing.T) {
	conn := newConnection(SideClient, nil, newTestServiceMap(), nil, nil, nil)
	// must not panic or dispatch
	conn.RecvData([]byte(`{"type":"msg","serviceName":"Chat","body":{"content":"x"}}`))
	assert.Equal(t, StatusDisconnected, conn.Status())
}
