// Command example-data-agent is a minimal consumer that follows STF
// generation on the broadcast topic. It exists to exercise the agent
// runtime end to end and as a template for new agents.
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

type dataAgent struct {
	agent  *testbed.Agent
	logger *slog.Logger

	stfCount int
}

func (d *dataAgent) onMessage(ctx context.Context, f testbed.Frame) error {
	env, msgType, ok := d.agent.Decode(f.Body)
	if !ok {
		return nil
	}
	switch msgType {
	case testbed.MsgSTFGen:
		var stf testbed.STFGen
		if err := json.Unmarshal(f.Body, &stf); err != nil {
			return err
		}
		d.stfCount++
		d.logger.Info("stf generated",
			"filename", stf.Filename, "sequence", stf.Sequence, "run_id", stf.RunID)
	case testbed.MsgStartRun:
		d.stfCount = 0
		d.logger.Info("run started", "run_id", env.RunID)
	case testbed.MsgEndRun:
		d.logger.Info("run ended", "run_id", env.RunID, "stf_files_seen", d.stfCount)
	default:
		d.logger.Debug("ignoring message", "msg_type", msgType)
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
	d := &dataAgent{}
	opts := []testbed.AgentOption{
		testbed.WithNamespace(rt.Testbed.Namespace),
		testbed.WithSubscriptions(testbed.EpicTopic),
		testbed.WithHandler(d.onMessage),
		testbed.WithLogger(rt.Logger),
	}
	if rt.Tracer != nil {
		opts = append(opts, testbed.WithTracer(rt.Tracer))
	}
	d.agent = testbed.NewAgent("example_data", rt.Broker, rt.Monitor, opts...)
	d.logger = d.agent.Logger()

	// 3. Run until SIGINT/SIGTERM
	if err := d.agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
