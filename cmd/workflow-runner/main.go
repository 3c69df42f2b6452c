package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/eic-swf/testbed/internal/runtime"
	"github.com/eic-swf/testbed/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to testbed.toml (default $SWF_TESTBED_CONFIG, then ./testbed.toml)")
	workflowDir := flag.String("workflows", "", "directory of workflow config files (default: config dir)")
	username := flag.String("user", os.Getenv("USER"), "owner of this runner instance")
	duration := flag.Float64("duration", 0, "execution duration limit in seconds (0 = workflow default)")
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
	rt.LogRecentDialogue(ctx, *username)

	// 2. Compose the runner over the built-in workflow registry
	opts := []workflow.RunnerOption{
		workflow.WithUsername(*username),
		workflow.WithRunnerLogger(rt.Logger),
	}
	if *workflowDir != "" {
		opts = append(opts, workflow.WithConfigDir(*workflowDir))
	}
	if *duration > 0 {
		opts = append(opts, workflow.WithDurationLimit(*duration))
	}
	if rt.Tracer != nil {
		opts = append(opts, workflow.WithRunnerTracer(rt.Tracer))
	}
	runner := workflow.NewRunner(rt.Broker, rt.Monitor, rt.Monitor,
		workflow.DefaultRegistry(), rt.Testbed, opts...)

	// 3. Run until SIGINT/SIGTERM
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
