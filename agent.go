package testbed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Agent lifecycle states reported in heartbeats.
const (
	StateInit       = "INIT"
	StateReady      = "READY"
	StateProcessing = "PROCESSING"
	StateWarning    = "WARNING"
	StateExited     = "EXITED"
)

const defaultHeartbeatInterval = 60 * time.Second

// Frame is one message received from the broker, already stripped down to
// what handlers need.
type Frame struct {
	Destination string
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// Transport is the broker connection an agent runs on. The broker package
// provides the STOMP implementation.
type Transport interface {
	// Subscribe registers a destination. All frames from all subscriptions
	// are delivered on the single Frames channel.
	Subscribe(destination string) error
	// Frames returns the merged inbound frame channel. Closed when the
	// transport shuts down.
	Frames() <-chan Frame
	// Publish sends a JSON body to a destination with the given headers.
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error
	// Close disconnects from the broker.
	Close() error
}

// Heartbeat is the agent status report posted to the monitor. The wire
// names match the systemagents/heartbeat/ upsert contract.
type Heartbeat struct {
	Name        string `json:"instance_name"`
	AgentType   string `json:"agent_type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
	Timestamp   string `json:"timestamp"`
	Hostname    string `json:"hostname,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// Reporter receives agent heartbeats. The monitor package's Client
// implements it; heartbeats are best-effort and failures are logged, never
// fatal.
type Reporter interface {
	PostHeartbeat(ctx context.Context, hb Heartbeat) error
}

// Handler processes one inbound frame. Returning an error logs it and moves
// the agent to WARNING; the dispatch loop keeps running either way.
type Handler func(ctx context.Context, f Frame) error

// Agent is the shared runtime of every testbed process: a broker transport,
// a monitor reporter, a lifecycle state machine and a heartbeat loop.
// Concrete agents (workflow runner, fast processing, fastmon, manager)
// compose an Agent with their own handlers.
type Agent struct {
	name      string
	agentType string
	transport Transport
	reporter  Reporter

	namespace     string
	subscriptions []string
	handler       Handler
	interval      time.Duration
	logger        *slog.Logger
	tracer        Tracer
	hostname      string

	mu     sync.Mutex
	state  string
	reason string
}

// AgentOption configures an Agent.
type AgentOption func(*agentConfig)

type agentConfig struct {
	name          string
	namespace     string
	subscriptions []string
	handler       Handler
	interval      time.Duration
	logger        *slog.Logger
	tracer        Tracer
}

// WithName overrides the derived instance name (<type>-agent-<suffix>).
func WithName(name string) AgentOption {
	return func(c *agentConfig) { c.name = name }
}

// WithNamespace sets the namespace stamped on heartbeats and used by
// DecodeMessage to filter foreign messages.
func WithNamespace(ns string) AgentOption {
	return func(c *agentConfig) { c.namespace = ns }
}

// WithSubscriptions adds broker destinations subscribed on Run.
func WithSubscriptions(destinations ...string) AgentOption {
	return func(c *agentConfig) { c.subscriptions = append(c.subscriptions, destinations...) }
}

// WithHandler sets the frame handler invoked for every inbound frame.
func WithHandler(h Handler) AgentOption {
	return func(c *agentConfig) { c.handler = h }
}

// WithHeartbeatInterval overrides the heartbeat period. The default is one
// minute; the user agent manager uses thirty seconds.
func WithHeartbeatInterval(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.interval = d }
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer sets the tracer for message handling spans. Use
// observer.NewTracer() for an OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewAgent creates an agent of the given type on an established transport.
// reporter may be nil when no monitor is configured; heartbeats are then
// skipped.
func NewAgent(agentType string, transport Transport, reporter Reporter, opts ...AgentOption) *Agent {
	var c agentConfig
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.interval <= 0 {
		c.interval = defaultHeartbeatInterval
	}
	name := c.name
	if name == "" {
		name = InstanceName(agentType, fmt.Sprintf("%d", os.Getpid()))
	}
	hostname, _ := os.Hostname()
	return &Agent{
		name:          name,
		agentType:     agentType,
		transport:     transport,
		reporter:      reporter,
		namespace:     c.namespace,
		subscriptions: c.subscriptions,
		handler:       c.handler,
		interval:      c.interval,
		logger:        c.logger.With("agent", name),
		tracer:        c.tracer,
		hostname:      hostname,
		state:         StateInit,
	}
}

// Name returns the agent instance name.
func (a *Agent) Name() string { return a.name }

// Namespace returns the configured namespace.
func (a *Agent) Namespace() string { return a.namespace }

// Logger returns the agent's logger for use by composed components.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// State returns the current lifecycle state.
func (a *Agent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState transitions the lifecycle state and sends an immediate heartbeat
// so the monitor sees transitions without waiting out the interval.
func (a *Agent) SetState(ctx context.Context, state, reason string) {
	a.mu.Lock()
	prev := a.state
	a.state = state
	a.reason = reason
	a.mu.Unlock()
	if prev != state {
		a.logger.Info("state transition", "from", prev, "to", state, "reason", reason)
	}
	a.heartbeat(ctx)
}

// heartbeat posts the current state to the monitor. Best effort: a failure
// is logged at warn and the agent carries on.
func (a *Agent) heartbeat(ctx context.Context) {
	if a.reporter == nil {
		return
	}
	a.mu.Lock()
	hb := Heartbeat{
		Name:        a.name,
		AgentType:   a.agentType,
		Status:      a.state,
		Description: a.reason,
		Namespace:   a.namespace,
		Timestamp:   Timestamp(),
		Hostname:    a.hostname,
		PID:         os.Getpid(),
	}
	a.mu.Unlock()
	if err := a.reporter.PostHeartbeat(ctx, hb); err != nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}
}

// Publish marshals v to JSON and sends it to a destination.
func (a *Agent) Publish(ctx context.Context, destination string, v any, headers map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", destination, err)
	}
	return a.transport.Publish(ctx, destination, body, headers)
}

// Decode applies the envelope parse and namespace filter to a frame body.
func (a *Agent) Decode(body []byte, known ...string) (Envelope, string, bool) {
	return DecodeMessage(body, a.namespace, a.logger, known...)
}

// Run subscribes, reports READY and dispatches frames until ctx is
// cancelled. On return the agent has reported EXITED (best effort) and
// closed the transport. The frame handler runs on the dispatch goroutine;
// long-running work belongs in the handler's own goroutines.
func (a *Agent) Run(ctx context.Context) error {
	a.heartbeat(ctx)
	for _, dest := range a.subscriptions {
		if err := a.transport.Subscribe(dest); err != nil {
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
		a.logger.Info("subscribed", "destination", dest)
	}
	a.SetState(ctx, StateReady, "")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case <-ticker.C:
			a.heartbeat(ctx)
		case f, ok := <-a.transport.Frames():
			if !ok {
				a.shutdown()
				return fmt.Errorf("agent %s: transport closed", a.name)
			}
			a.dispatch(ctx, f)
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, f Frame) {
	if a.handler == nil {
		return
	}
	hctx := ctx
	var span Span
	if a.tracer != nil {
		hctx, span = a.tracer.Start(ctx, "agent.handle",
			StringAttr("destination", f.Destination))
	}
	err := a.handler(hctx, f)
	if err != nil {
		a.logger.Error("handler failed", "destination", f.Destination, "error", err)
		if span != nil {
			span.Error(err)
		}
		a.SetState(ctx, StateWarning, err.Error())
	}
	if span != nil {
		span.End()
	}
}

// shutdown reports EXITED on a short independent deadline (the run context
// is already cancelled) and closes the transport.
func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.SetState(ctx, StateExited, "shutdown")
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("transport close failed", "error", err)
	}
}
