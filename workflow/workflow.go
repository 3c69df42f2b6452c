// Package workflow contains the workflow runner and the compiled workflow
// executors it drives. Executors are registered by name in a Registry; a
// run_workflow control message selects one, and the runner executes it
// inside a simulation environment while recording the execution in the
// monitor.
package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/broker"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
	"github.com/eic-swf/testbed/sim"
)

// MonitorAPI is the slice of the monitor client used by the runner and the
// executors. monitor.Client implements it.
type MonitorAPI interface {
	NextExecutionSequence(ctx context.Context, workflowName string) (int, error)
	FindDefinition(ctx context.Context, name, version string) (*monitor.WorkflowDefinition, error)
	CreateDefinition(ctx context.Context, def *monitor.WorkflowDefinition) (*monitor.WorkflowDefinition, error)
	EnsureNamespace(ctx context.Context, name string) error
	CreateExecution(ctx context.Context, ex *monitor.WorkflowExecution) error
	PatchExecution(ctx context.Context, executionID string, fields map[string]any) error
	NextRunNumber(ctx context.Context) (int64, error)
	CreateRunState(ctx context.Context, rs *monitor.RunState) error
	PatchRunState(ctx context.Context, runNumber int64, fields map[string]any) error
}

// Publisher sends JSON messages to broker destinations. testbed.Agent
// implements it.
type Publisher interface {
	Publish(ctx context.Context, destination string, v any, headers map[string]string) error
}

// Executor is one compiled workflow implementation. Execute runs as a
// simulation process; it returns when the workflow is finished, and a
// non-nil error marks the execution failed.
type Executor interface {
	Execute(rt *Runtime, p *sim.Proc) error
}

// Runtime is the execution context handed to an executor: identifiers,
// resolved configuration and the runner's monitor and broker handles.
type Runtime struct {
	ExecutionID string
	Namespace   string
	Config      *config.Workflow
	Monitor     MonitorAPI
	Publisher   Publisher
	Logger      *slog.Logger
	Env         *sim.Env

	// RunID is set by the executor once allocated; zero until then.
	RunID int64

	mu  sync.Mutex
	err error
}

const publishTimeout = 10 * time.Second

// NewEnvelope stamps a broadcast envelope with the execution context and
// the current simulation tick.
func (rt *Runtime) NewEnvelope(msgType string) testbed.Envelope {
	return testbed.Envelope{
		MsgType:        msgType,
		Namespace:      rt.Namespace,
		Timestamp:      testbed.Timestamp(),
		ExecutionID:    rt.ExecutionID,
		RunID:          rt.RunID,
		SimulationTick: rt.Env.Now(),
	}
}

// Broadcast publishes a lifecycle message to the broadcast topic. Publish
// failures are logged and swallowed; status broadcasts are best effort.
func (rt *Runtime) Broadcast(msgType string, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	headers := broker.BroadcastHeaders(msgType, rt.Namespace, rt.RunID)
	if err := rt.Publisher.Publish(ctx, testbed.EpicTopic, v, headers); err != nil {
		rt.Logger.Warn("broadcast failed", "msg_type", msgType, "error", err)
		return
	}
	rt.Logger.Info("broadcast", "msg_type", msgType,
		"execution_id", rt.ExecutionID, "run_id", rt.RunID, "simulation_tick", rt.Env.Now())
}

func (rt *Runtime) setErr(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.err == nil {
		rt.err = err
	}
}

// Err returns the first error recorded by the executor.
func (rt *Runtime) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.err
}

// Factory builds a fresh executor instance per execution.
type Factory func() Executor

// Registry maps workflow names to compiled executors. It replaces the
// source system's habit of compiling workflow code at run time; the
// registered source string is what gets stored in the monitor's definition
// record.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	factory Factory
	source  string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a workflow under its name. source describes the
// implementation and is recorded in the workflow definition. Later
// registrations replace earlier ones.
func (r *Registry) Register(name, source string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registryEntry{factory: f, source: source}
}

// New builds an executor for the named workflow, returning the registered
// source alongside. Unknown names return *testbed.ErrWorkflowCode.
func (r *Registry) New(name string) (Executor, string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, "", &testbed.ErrWorkflowCode{Workflow: name}
	}
	return e.factory(), e.source, nil
}

// Names lists the registered workflows in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the built-in workflows.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("stf_datataking", sourceDataTaking, func() Executor { return &DataTaking{} })
	r.Register("fast_processing", sourceFastProcessing, func() Executor { return &FastProcessing{} })
	r.Register("stf_processing", sourceSTFProcessing, func() Executor { return &STFProcessing{} })
	return r
}
