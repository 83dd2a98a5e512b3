package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/calder/duplex/pkg/log"
	"github.com/calder/duplex/pkg/rpc"
	"github.com/calder/duplex/pkg/rpc/nats"
	"github.com/calder/duplex/test/echoservice"
)

var (
	natsURL     = flag.String("nats", "nats://localhost:4222", "NATS server URL")
	subject     = flag.String("subject", "duplex.echo", "connect subject")
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
		Transport: nats.NewServerTransport(nats.ServerTransportConfig{
			URL:     *natsURL,
			Subject: *subject,
		}),
		ServiceMap: echoservice.NewServiceMap(),
		Options:    opts,
		ErrHandler: func(err error) {
			fmt.Fprintln(os.Stderr, "server error:", err)
		},
	})
	echoservice.RegisterEchoServer(server, &echoServer{})

	fmt.Println("Starting NATS echo server on subject", *subject)
	if err := server.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
