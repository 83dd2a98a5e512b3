package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/calder/duplex/pkg/log"
	"github.com/calder/duplex/pkg/rpc"
	"github.com/calder/duplex/pkg/rpc/websocket"
	"github.com/calder/duplex/test/echoservice"
)

var (
	port        = flag.Int("port", 9002, "port to listen on")
	optionsPath = flag.String("options", "", "path to a YAML options file")
)

type echoServer struct{}

func (s *echoServer) Echo(call *rpc.ApiCall, req *echoservice.EchoRequest) (*echoservice.EchoResponse, error) {
	return &echoservice.EchoResponse{
		Payload: req.Payload,
		Count:   req.Count + 1,
	}, nil
}

func main() {
	flag.Parse()

	opts := rpc.DefaultConnectionOptions()
	if *optionsPath != "" {
		var err error
		opts, err = rpc.LoadOptions(*optionsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	opts.Logger = log.NewConsoleLogger(log.LevelDebug)

	// text frames pair with the text wire mode for browser-readable traffic
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: websocket.NewServerTransport(websocket.ServerTransportConfig{
			Port:       *port,
			TextFrames: opts.WireMode == rpc.WireModeText,
		}),
		ServiceMap: echoservice.NewServiceMap(),
		Options:    opts,
		ErrHandler: func(err error) {
			fmt.Fprintln(os.Stderr, "server error:", err)
		},
	})
	echoservice.RegisterEchoServer(server, &echoServer{})

	fmt.Println("Starting websocket echo server on port", *port)
	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
