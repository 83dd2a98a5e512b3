package echoservice

import (
	"github.com/calder/duplex/pkg/rpc"
)

type EchoRequest struct {
	Payload string `json:"payload"`
	Count   int32  `json:"count"`
}

type EchoResponse struct {
	Payload string `json:"payload"`
	Count   int32  `json:"count"`
}

type Notice struct {
	Text string `json:"text"`
}

// NewServiceMap builds the shared schema of the echo test service. Both
// ends of a link must use it so their fingerprints agree.
func NewServiceMap() *rpc.ServiceMap {
	sm := rpc.NewServiceMap()
	rpc.AddApi[EchoRequest, EchoResponse](sm, "echo/Echo")
	rpc.AddMsg[Notice](sm, "echo/Notice")
	return sm
}

// EchoServer is the handler surface of the echo test service.
type EchoServer interface {
	Echo(call *rpc.ApiCall, req *EchoRequest) (*EchoResponse, error)
}

func RegisterEchoServer(host rpc.ApiHost, s EchoServer) {
	rpc.RegisterApi(host, "echo/Echo", s.Echo)
}
