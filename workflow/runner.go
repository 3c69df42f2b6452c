package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
	"github.com/eic-swf/testbed/sim"
)

const defaultDurationLimit = 3600.0

// Runner is the workflow-runner agent: it consumes the workflow control
// queue, executes at most one workflow at a time and records executions in
// the monitor.
type Runner struct {
	agent     *testbed.Agent
	monitor   MonitorAPI
	registry  *Registry
	tb        *config.Testbed
	configDir string
	username  string
	duration  float64
	logger    *slog.Logger

	mu     sync.Mutex
	active *activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	executionID string
	workflow    string
	stop        chan struct{}
	stopOnce    sync.Once
}

func (a *activeRun) requestStop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	configDir string
	username  string
	duration  float64
	logger    *slog.Logger
	tracer    testbed.Tracer
}

// WithConfigDir sets the directory holding the workflow TOML files.
func WithConfigDir(dir string) RunnerOption {
	return func(c *runnerConfig) { c.configDir = dir }
}

// WithUsername overrides the username used in execution ids. Defaults to
// $USER.
func WithUsername(name string) RunnerOption {
	return func(c *runnerConfig) { c.username = name }
}

// WithDurationLimit caps the simulated seconds per execution. Zero means
// unlimited; the default is 3600.
func WithDurationLimit(seconds float64) RunnerOption {
	return func(c *runnerConfig) { c.duration = seconds }
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(c *runnerConfig) { c.logger = l }
}

// WithRunnerTracer sets the tracer passed to the underlying agent.
func WithRunnerTracer(t testbed.Tracer) RunnerOption {
	return func(c *runnerConfig) { c.tracer = t }
}

// NewRunner composes the workflow-runner agent. mon and reporter are
// usually the same monitor.Client.
func NewRunner(transport testbed.Transport, mon MonitorAPI, reporter testbed.Reporter,
	registry *Registry, tb *config.Testbed, opts ...RunnerOption) *Runner {
	c := runnerConfig{duration: defaultDurationLimit}
	for _, opt := range opts {
		opt(&c)
	}
	if c.username == "" {
		c.username = os.Getenv("USER")
	}
	if c.username == "" {
		c.username = "unknown"
	}

	r := &Runner{
		monitor:   mon,
		registry:  registry,
		tb:        tb,
		configDir: c.configDir,
		username:  c.username,
		duration:  c.duration,
	}
	agentOpts := []testbed.AgentOption{
		testbed.WithName("workflow-runner-" + c.username),
		testbed.WithNamespace(tb.Namespace),
		testbed.WithSubscriptions(testbed.WorkflowControlQueue),
		testbed.WithHandler(r.onMessage),
	}
	if c.logger != nil {
		agentOpts = append(agentOpts, testbed.WithLogger(c.logger))
	}
	if c.tracer != nil {
		agentOpts = append(agentOpts, testbed.WithTracer(c.tracer))
	}
	r.agent = testbed.NewAgent("workflow_runner", transport, reporter, agentOpts...)
	r.logger = r.agent.Logger()
	return r
}

// Run runs the agent dispatch loop until ctx is cancelled, then waits for
// the active workflow goroutine to wind down.
func (r *Runner) Run(ctx context.Context) error {
	err := r.agent.Run(ctx)
	r.mu.Lock()
	if r.active != nil {
		r.active.requestStop()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}

func (r *Runner) onMessage(ctx context.Context, f testbed.Frame) error {
	_, typ, ok := r.agent.Decode(f.Body,
		testbed.MsgRunWorkflow, testbed.MsgStopWorkflow, testbed.MsgStatusRequest)
	if !ok {
		return nil
	}
	switch typ {
	case testbed.MsgRunWorkflow:
		var req testbed.RunWorkflow
		if err := json.Unmarshal(f.Body, &req); err != nil {
			return fmt.Errorf("run_workflow: %w", err)
		}
		r.startWorkflow(ctx, &req)
	case testbed.MsgStopWorkflow:
		var req testbed.StopWorkflow
		if err := json.Unmarshal(f.Body, &req); err != nil {
			return fmt.Errorf("stop_workflow: %w", err)
		}
		r.stopWorkflow(req.StopExecutionID)
	case testbed.MsgStatusRequest:
		r.logStatus()
	}
	return nil
}

// startWorkflow accepts a run request unless a workflow is already active.
// All slow work (config, monitor registration, the simulation itself) runs
// on a worker goroutine so the dispatch loop stays responsive for
// stop_workflow.
func (r *Runner) startWorkflow(ctx context.Context, req *testbed.RunWorkflow) {
	r.mu.Lock()
	if r.active != nil {
		active := r.active.executionID
		r.mu.Unlock()
		r.logger.Warn("refusing run_workflow while processing",
			"requested", req.WorkflowName, "active_execution", active)
		return
	}
	run := &activeRun{workflow: req.WorkflowName, stop: make(chan struct{})}
	r.active = run
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.active = nil
			r.mu.Unlock()
			r.agent.SetState(ctx, testbed.StateReady, "")
		}()
		r.agent.SetState(ctx, testbed.StateProcessing, "workflow "+req.WorkflowName)
		r.execute(ctx, run, req)
	}()
}

func (r *Runner) execute(ctx context.Context, run *activeRun, req *testbed.RunWorkflow) {
	cfg, err := config.LoadWorkflow(r.configDir, req.WorkflowName, req.Config, r.tb, req.Params)
	if err != nil {
		r.logger.Error("workflow config load failed", "workflow", req.WorkflowName, "error", err)
		return
	}
	executor, source, err := r.registry.New(cfg.Name)
	if err != nil {
		r.logger.Error("workflow not available", "workflow", cfg.Name, "error", err)
		return
	}

	sequence, err := r.monitor.NextExecutionSequence(ctx, cfg.Name)
	if err != nil {
		r.logger.Error("execution id allocation failed", "workflow", cfg.Name, "error", err)
		return
	}
	executionID := testbed.ExecutionID(cfg.Name, r.username, sequence)
	run.executionID = executionID
	r.logger.Info("starting workflow", "workflow", cfg.Name, "execution_id", executionID)

	defID, err := r.registerDefinition(ctx, cfg, source)
	if err != nil {
		r.logger.Error("definition registration failed", "workflow", cfg.Name, "error", err)
		return
	}

	if err := r.monitor.EnsureNamespace(ctx, r.tb.Namespace); err != nil {
		r.logger.Warn("ensure namespace failed", "namespace", r.tb.Namespace, "error", err)
	}
	exec := &monitor.WorkflowExecution{
		ExecutionID:        executionID,
		WorkflowDefinition: defID,
		Namespace:          r.tb.Namespace,
		Status:             "running",
		ExecutedBy:         r.username,
		StartTime:          testbed.Timestamp(),
		ParameterValues:    flattenSections(cfg.Expanded()),
	}
	if err := r.monitor.CreateExecution(ctx, exec); err != nil {
		r.logger.Error("execution record creation failed", "execution_id", executionID, "error", err)
		return
	}

	realtime := true
	if req.Realtime != nil {
		realtime = *req.Realtime
	}
	var env *sim.Env
	if realtime {
		env = sim.NewRealtime()
	} else {
		env = sim.New()
	}

	rt := &Runtime{
		ExecutionID: executionID,
		Namespace:   r.tb.Namespace,
		Config:      cfg,
		Monitor:     r.monitor,
		Publisher:   r.agent,
		Logger:      r.logger.With("execution_id", executionID),
		Env:         env,
	}
	proc := env.Spawn(cfg.Name, func(p *sim.Proc) {
		if err := executor.Execute(rt, p); err != nil {
			rt.setErr(err)
		}
	})

	status := r.drive(rt, proc, run.stop)
	if status == "completed" && rt.Err() != nil {
		r.logger.Error("workflow failed", "execution_id", executionID, "error", rt.Err())
		status = "failed"
	}
	r.finishExecution(executionID, status)
}

// drive is the stepping loop: one simulation event at a time, re-checking
// the stop flag between events so stop latency is bounded by the
// inter-event wait.
func (r *Runner) drive(rt *Runtime, proc *sim.Proc, stop chan struct{}) string {
	for {
		select {
		case <-stop:
			return "terminated"
		default:
		}
		if proc.Done() {
			return "completed"
		}
		if r.duration > 0 && rt.Env.Now() >= r.duration {
			return "completed"
		}
		if !rt.Env.Step(stop) {
			return "completed"
		}
	}
}

// registerDefinition implements first-writer-wins: an existing definition
// for (name, version) is reused untouched because executions may already
// reference it.
func (r *Runner) registerDefinition(ctx context.Context, cfg *config.Workflow, source string) (int64, error) {
	existing, err := r.monitor.FindDefinition(ctx, cfg.Name, cfg.Version)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		r.logger.Info("reusing workflow definition",
			"workflow", cfg.Name, "version", cfg.Version, "definition_id", existing.ID)
		return existing.ID, nil
	}
	created, err := r.monitor.CreateDefinition(ctx, &monitor.WorkflowDefinition{
		WorkflowName:    cfg.Name,
		Version:         cfg.Version,
		WorkflowType:    "simulation",
		Definition:      source,
		ParameterValues: flattenSections(cfg.Expanded()),
		CreatedBy:       r.username,
		CreatedAt:       testbed.Timestamp(),
	})
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

// finishExecution records the terminal status. The run context is
// independent of the dispatch context so a shutting-down runner can still
// close out its execution.
func (r *Runner) finishExecution(executionID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fields := map[string]any{
		"status":   status,
		"end_time": testbed.Timestamp(),
	}
	if err := r.monitor.PatchExecution(ctx, executionID, fields); err != nil {
		r.logger.Warn("execution status update failed",
			"execution_id", executionID, "status", status, "error", err)
		return
	}
	r.logger.Info("workflow finished", "execution_id", executionID, "status", status)
}

func (r *Runner) stopWorkflow(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.logger.Info("stop_workflow with no active workflow")
		return
	}
	if executionID != "" && r.active.executionID != "" && executionID != r.active.executionID {
		r.logger.Warn("stop_workflow for unknown execution",
			"requested", executionID, "active", r.active.executionID)
		return
	}
	r.logger.Info("stop requested", "execution_id", r.active.executionID)
	r.active.requestStop()
}

func (r *Runner) logStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.logger.Info("status", "state", r.agent.State(), "workflows", r.registry.Names())
		return
	}
	r.logger.Info("status", "state", r.agent.State(),
		"active_workflow", r.active.workflow, "execution_id", r.active.executionID)
}

// flattenSections converts the expanded section map to the generic shape
// stored in monitor parameter_values.
func flattenSections(sections map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(sections))
	for name, keys := range sections {
		out[name] = keys
	}
	return out
}
