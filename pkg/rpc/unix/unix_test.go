package unix_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder/duplex/pkg/rpc"
	"github.com/calder/duplex/pkg/rpc/unix"
)

type echoReq struct {
	Payload string `json:"payload"`
}

type echoRes struct {
	Payload string `json:"payload"`
}

func newServiceMap() *rpc.ServiceMap {
	sm := rpc.NewServiceMap()
	rpc.AddApi[echoReq, echoRes](sm, "Echo")
	return sm
}

func TestEchoOverUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "duplex.sock")

	server := rpc.NewServer(rpc.ServerConfig{
		Transport:  unix.NewServerTransport(unix.ServerTransportConfig{SocketPath: socketPath}),
		ServiceMap: newServiceMap(),
	})
	rpc.RegisterApi(server, "Echo", func(call *rpc.ApiCall, req *echoReq) (*echoRes, error) {
		return &echoRes{Payload: req.Payload}, nil
	})
	go server.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	client := rpc.NewClient(rpc.ClientConfig{
		Transport:  unix.NewClientTransport(unix.ClientTransportConfig{SocketPath: socketPath}),
		ServiceMap: newServiceMap(),
	})
	require.Eventually(t, func() bool {
		return client.Connect().Succ
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { client.Disconnect("") })

	ret := client.CallApi("Echo", &echoReq{Payload: "over unix"})
	require.NotNil(t, ret)
	require.True(t, ret.Succ)
	assert.Equal(t, "over unix", ret.Res.(*echoRes).Payload)
}
