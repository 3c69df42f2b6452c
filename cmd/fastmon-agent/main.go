package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/eic-swf/testbed/fastmon"
	"github.com/eic-swf/testbed/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to testbed.toml (default $SWF_TESTBED_CONFIG, then ./testbed.toml)")
	name := flag.String("name", "", "agent instance name (default: generated)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Wire logging, config, monitor and broker
	rt, err := runtime.Bootstrap(ctx, runtime.Options{ConfigPath: *configPath, Debug: *debug})
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close(context.Background())

	// 2. Compose the agent
	opts := []fastmon.Option{fastmon.WithLogger(rt.Logger)}
	if *name != "" {
		opts = append(opts, fastmon.WithName(*name))
	}
	if rt.Tracer != nil {
		opts = append(opts, fastmon.WithTracer(rt.Tracer))
	}
	agent, err := fastmon.New(rt.Broker, rt.Monitor, rt.Monitor, rt.Testbed, opts...)
	if err != nil {
		log.Fatal(err)
	}

	// 3. Run until SIGINT/SIGTERM
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
