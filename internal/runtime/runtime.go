// Package runtime wires the shared plumbing of every testbed binary:
// structured logging, the testbed TOML config, the monitor REST client,
// the STOMP broker connection and optional OTLP tracing.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/broker"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
	"github.com/eic-swf/testbed/observer"
)

// Options selects what Bootstrap sets up.
type Options struct {
	// ConfigPath is the testbed.toml location. Empty falls back to
	// $SWF_TESTBED_CONFIG, then to ./testbed.toml.
	ConfigPath string
	// Debug lowers the log level to debug.
	Debug bool
}

// Runtime holds the wired dependencies of one testbed process.
type Runtime struct {
	Logger  *slog.Logger
	Testbed *config.Testbed
	Monitor *monitor.Client
	Broker  *broker.Conn

	// Tracer is non-nil only when OTEL_EXPORTER_OTLP_ENDPOINT is set.
	Tracer testbed.Tracer

	shutdownTracing func(context.Context) error
}

// Bootstrap builds a Runtime from the environment and the given options.
// Broker and monitor settings come from ACTIVEMQ_* and SWF_MONITOR_* env
// vars, matching the other testbed components.
func Bootstrap(ctx context.Context, opts Options) (*Runtime, error) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rt := &Runtime{Logger: logger}

	path := opts.ConfigPath
	if path == "" && os.Getenv(config.EnvTestbedConfig) == "" {
		path = "testbed.toml"
	}
	tb, err := config.LoadTestbed(path)
	if err != nil {
		return nil, fmt.Errorf("load testbed config: %w", err)
	}
	rt.Testbed = tb

	rt.Monitor = monitor.NewClient(monitor.SettingsFromEnv(), logger)

	conn, err := broker.Dial(ctx, broker.SettingsFromEnv(), logger)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	rt.Broker = conn

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			rt.Tracer = observer.NewTracer()
			rt.shutdownTracing = shutdown
		}
	}

	return rt, nil
}

// Close flushes tracing. The broker connection is closed by the agent that
// owns it.
func (r *Runtime) Close(ctx context.Context) {
	if r.shutdownTracing != nil {
		if err := r.shutdownTracing(ctx); err != nil {
			r.Logger.Warn("tracing shutdown failed", "error", err)
		}
	}
}

// DialogueTurns reads the SWF_DIALOGUE_TURNS setting. Zero means the
// dialogue memory is disabled.
func DialogueTurns() int {
	n, err := strconv.Atoi(os.Getenv("SWF_DIALOGUE_TURNS"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// LogRecentDialogue loads the last SWF_DIALOGUE_TURNS turns of the user's
// dialogue memory and logs them, giving a restarted session its recent
// context. Failures are logged and ignored.
func (r *Runtime) LogRecentDialogue(ctx context.Context, username string) {
	turns := DialogueTurns()
	if turns == 0 {
		return
	}
	items, err := r.Monitor.LoadDialogue(ctx, username, turns, r.Testbed.Namespace)
	if err != nil {
		r.Logger.Warn("dialogue history unavailable", "error", err)
		return
	}
	for _, turn := range items {
		r.Logger.Info("dialogue", "role", turn.Role, "content", turn.Content)
	}
}
