// Command example-processing-agent is a minimal consumer that follows the
// run lifecycle and STF availability on the broadcast topic, standing in
// for the offline processing chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/internal/runtime"
)

type processingAgent struct {
	agent  *testbed.Agent
	logger *slog.Logger

	processed int
}

func (p *processingAgent) onMessage(ctx context.Context, f testbed.Frame) error {
	env, msgType, ok := p.agent.Decode(f.Body)
	if !ok {
		return nil
	}
	switch msgType {
	case testbed.MsgRunImminent:
		p.logger.Info("run imminent", "run_id", env.RunID)
	case testbed.MsgStartRun:
		p.processed = 0
		p.logger.Info("run started", "run_id", env.RunID)
	case testbed.MsgSTFReady:
		var stf testbed.STFReady
		if err := json.Unmarshal(f.Body, &stf); err != nil {
			return err
		}
		p.processed++
		p.logger.Info("stf processed",
			"filename", stf.Filename, "size_bytes", stf.SizeBytes, "run_id", stf.RunID)
	case testbed.MsgEndRun:
		p.logger.Info("run ended", "run_id", env.RunID, "stf_files_processed", p.processed)
	default:
		p.logger.Debug("ignoring message", "msg_type", msgType)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to testbed.toml (default $SWF_TESTBED_CONFIG, then ./testbed.toml)")
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
	p := &processingAgent{}
	opts := []testbed.AgentOption{
		testbed.WithNamespace(rt.Testbed.Namespace),
		testbed.WithSubscriptions(testbed.EpicTopic),
		testbed.WithHandler(p.onMessage),
		testbed.WithLogger(rt.Logger),
	}
	if rt.Tracer != nil {
		opts = append(opts, testbed.WithTracer(rt.Tracer))
	}
	p.agent = testbed.NewAgent("stf_processing", rt.Broker, rt.Monitor, opts...)
	p.logger = p.agent.Logger()

	// 3. Run until SIGINT/SIGTERM
	if err := p.agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
