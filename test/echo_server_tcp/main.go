package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/calder/duplex/pkg/log"
	"github.com/calder/duplex/pkg/rpc"
	"github.com/calder/duplex/pkg/rpc/tcp"
	"github.com/calder/duplex/test/echoservice"
)

var (
	port        = flag.Int("port", 9001, "port to listen on")
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

	server := rpc.NewServer(rpc.ServerConfig{
		Transport: tcp.NewServerTransport(tcp.ServerTransportConfig{
			Port:    *port,
			NoDelay: true,
		}),
		ServiceMap: echoservice.NewServiceMap(),
		Options:    opts,
		ErrHandler: func(err error) {
			fmt.Fprintln(os.Stderr, "server error:", err)
		},
	})
	echoservice.RegisterEchoServer(server, &echoServer{})

	server.OnMsg("echo/Notice", func(conn *rpc.Connection, msgName string, msg any) {
		server.BroadcastMsg(msgName, msg)
	})

	fmt.Println("Starting TCP echo server on port", *port)
	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
