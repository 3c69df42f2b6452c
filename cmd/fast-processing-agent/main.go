package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/eic-swf/testbed/fastproc"
	"github.com/eic-swf/testbed/internal/runtime"
	"github.com/eic-swf/testbed/monitor"
	"github.com/eic-swf/testbed/store/sqlite"
)

// journaledMonitor routes best-effort system events through the local
// journal so a monitor outage does not lose them; everything else goes to
// the REST client directly.
type journaledMonitor struct {
	*monitor.Client
	recorder *sqlite.Recorder
}

func (m *journaledMonitor) PostSystemEvent(ctx context.Context, ev *monitor.SystemEvent) error {
	return m.recorder.PostSystemEvent(ctx, ev)
}

func main() {
	configPath := flag.String("config", "", "path to testbed.toml (default $SWF_TESTBED_CONFIG, then ./testbed.toml)")
	journalPath := flag.String("journal", "fastproc-journal.db", "deferred-event journal file ('' disables)")
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

	// 2. Put the deferred-event journal in front of the monitor client
	var mon fastproc.MonitorAPI = rt.Monitor
	if *journalPath != "" {
		journal := sqlite.New(*journalPath, sqlite.WithLogger(rt.Logger))
		defer journal.Close()
		if err := journal.Init(ctx); err != nil {
			log.Fatal(err)
		}
		recorder := sqlite.NewRecorder(rt.Monitor.PostSystemEvent, journal, rt.Logger)
		mon = &journaledMonitor{Client: rt.Monitor, recorder: recorder}
	}

	// 3. Compose the agent
	opts := []fastproc.Option{fastproc.WithLogger(rt.Logger)}
	if *name != "" {
		opts = append(opts, fastproc.WithName(*name))
	}
	if rt.Tracer != nil {
		opts = append(opts, fastproc.WithTracer(rt.Tracer))
	}
	agent := fastproc.New(rt.Broker, mon, rt.Monitor, rt.Testbed, opts...)

	// 4. Run until SIGINT/SIGTERM
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
