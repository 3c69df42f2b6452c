// Package fastproc is the fast-processing agent: it follows run lifecycle
// broadcasts, cuts each registered TF file into slices for the transformer
// workers, and ingests the workers' results back into the monitor.
package fastproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/broker"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
)

// MonitorAPI is the slice of the monitor client this agent uses.
type MonitorAPI interface {
	GetExecution(ctx context.Context, executionID string) (*monitor.WorkflowExecution, error)
	PostSystemEvent(ctx context.Context, ev *monitor.SystemEvent) error
	CreateTFSlice(ctx context.Context, s *monitor.TFSlice) error
	FindTFSlice(ctx context.Context, runNumber int64, sliceID int) (*monitor.TFSlice, error)
	PatchTFSlice(ctx context.Context, id int64, fields map[string]any) error
	GetRunState(ctx context.Context, runNumber int64) (*monitor.RunState, error)
	PatchRunState(ctx context.Context, runNumber int64, fields map[string]any) error
}

// Params are the [fast_processing] settings the agent works with. Values
// from the workflow execution's parameter_values override the local
// configuration when a run context is established.
type Params struct {
	SlicesPerSample     int     `toml:"slices_per_sample"`
	TFsPerSTF           int     `toml:"tfs_per_stf"`
	TargetWorkerCount   int     `toml:"target_worker_count"`
	SliceProcessingTime float64 `toml:"slice_processing_time"`
	WorkerRampupTime    float64 `toml:"worker_rampup_time"`
	WorkerRampdownTime  float64 `toml:"worker_rampdown_time"`
}

func defaultParams() Params {
	return Params{
		SlicesPerSample:     15,
		TFsPerSTF:           DefaultTFsPerSTF,
		TargetWorkerCount:   10,
		SliceProcessingTime: 5,
		WorkerRampupTime:    30,
		WorkerRampdownTime:  30,
	}
}

// runContext is the per-run state, reset whenever the observed run or
// execution id changes.
type runContext struct {
	runID           int64
	executionID     string
	params          Params
	tfFilesReceived int
	slicesCreated   int
	resultsReceived int
	resultsDone     int
	resultsFailed   int
}

// Agent is the fast-processing agent.
type Agent struct {
	agent     *testbed.Agent
	transport testbed.Transport
	monitor   MonitorAPI
	base      Params
	logger    *slog.Logger

	mu  sync.Mutex
	run *runContext
}

// Option configures the Agent.
type Option func(*agentConfig)

type agentConfig struct {
	logger *slog.Logger
	tracer testbed.Tracer
	name   string
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer sets the tracer for message-handling spans.
func WithTracer(t testbed.Tracer) Option {
	return func(c *agentConfig) { c.tracer = t }
}

// WithName overrides the agent instance name.
func WithName(name string) Option {
	return func(c *agentConfig) { c.name = name }
}

// New builds the agent from the testbed configuration. It subscribes to
// the broadcast topic and the worker results queue.
func New(transport testbed.Transport, mon MonitorAPI, reporter testbed.Reporter,
	tb *config.Testbed, opts ...Option) *Agent {
	var c agentConfig
	for _, opt := range opts {
		opt(&c)
	}
	a := &Agent{transport: transport, monitor: mon, base: defaultParams()}
	if section, ok := tb.Sections["fast_processing"]; ok {
		applyParams(&a.base, section)
	}

	agentOpts := []testbed.AgentOption{
		testbed.WithNamespace(tb.Namespace),
		testbed.WithSubscriptions(testbed.EpicTopic, testbed.ResultsQueue),
		testbed.WithHandler(a.onMessage),
	}
	if c.name != "" {
		agentOpts = append(agentOpts, testbed.WithName(c.name))
	}
	if c.logger != nil {
		agentOpts = append(agentOpts, testbed.WithLogger(c.logger))
	}
	if c.tracer != nil {
		agentOpts = append(agentOpts, testbed.WithTracer(c.tracer))
	}
	a.agent = testbed.NewAgent("fast_processing", transport, reporter, agentOpts...)
	a.logger = a.agent.Logger()
	return a
}

// applyParams overlays a generic config section onto Params.
func applyParams(p *Params, section map[string]any) {
	setInt := func(dst *int, key string) {
		switch v := section[key].(type) {
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	setFloat := func(dst *float64, key string) {
		switch v := section[key].(type) {
		case int64:
			*dst = float64(v)
		case float64:
			*dst = v
		}
	}
	setInt(&p.SlicesPerSample, "slices_per_sample")
	setInt(&p.TFsPerSTF, "tfs_per_stf")
	setInt(&p.TargetWorkerCount, "target_worker_count")
	setFloat(&p.SliceProcessingTime, "slice_processing_time")
	setFloat(&p.WorkerRampupTime, "worker_rampup_time")
	setFloat(&p.WorkerRampdownTime, "worker_rampdown_time")
}

// Run runs the dispatch loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	return a.agent.Run(ctx)
}

var knownTypes = []string{
	testbed.MsgRunImminent, testbed.MsgStartRun, testbed.MsgTFFileRegistered,
	testbed.MsgPauseRun, testbed.MsgResumeRun, testbed.MsgEndRun, testbed.MsgSliceResult,
}

func (a *Agent) onMessage(ctx context.Context, f testbed.Frame) error {
	env, typ, ok := a.agent.Decode(f.Body, knownTypes...)
	if !ok {
		return nil
	}
	a.syncRunContext(ctx, env)

	switch typ {
	case testbed.MsgRunImminent:
		return a.onRunImminent(ctx, env)
	case testbed.MsgStartRun:
		return a.onStartRun(ctx, env)
	case testbed.MsgTFFileRegistered:
		var msg testbed.TFFileRegistered
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			return fmt.Errorf("tf_file_registered: %w", err)
		}
		return a.onTFFileRegistered(ctx, env, &msg)
	case testbed.MsgPauseRun:
		return a.patchSubstate(ctx, env, "standby")
	case testbed.MsgResumeRun:
		return a.patchSubstate(ctx, env, "physics")
	case testbed.MsgEndRun:
		return a.onEndRun(ctx, env)
	case testbed.MsgSliceResult:
		var msg testbed.SliceResult
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			return fmt.Errorf("slice_result: %w", err)
		}
		return a.onSliceResult(ctx, env, &msg)
	}
	return nil
}

// syncRunContext resets per-run statistics and refreshes workflow
// parameters when the observed run or execution changes. Supports joining
// mid-run: the parameters come from the execution record, not from having
// seen run_imminent.
func (a *Agent) syncRunContext(ctx context.Context, env testbed.Envelope) {
	if env.RunID == 0 && env.ExecutionID == "" {
		return
	}
	a.mu.Lock()
	current := a.run
	changed := current == nil ||
		(env.RunID != 0 && env.RunID != current.runID) ||
		(env.ExecutionID != "" && env.ExecutionID != current.executionID)
	if !changed {
		a.mu.Unlock()
		return
	}
	run := &runContext{runID: env.RunID, executionID: env.ExecutionID, params: a.base}
	a.run = run
	a.mu.Unlock()

	a.logger.Info("run context changed", "run_id", env.RunID, "execution_id", env.ExecutionID)
	if env.ExecutionID == "" {
		return
	}
	exec, err := a.monitor.GetExecution(ctx, env.ExecutionID)
	if err != nil {
		a.logger.Warn("workflow parameter fetch failed", "execution_id", env.ExecutionID, "error", err)
		return
	}
	if section, ok := exec.ParameterValues["fast_processing"].(map[string]any); ok {
		a.mu.Lock()
		applyParams(&run.params, section)
		a.mu.Unlock()
	}
}

func (a *Agent) currentRun() *runContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

// onRunImminent audits the upcoming run and tells the worker fleet to ramp
// up.
func (a *Agent) onRunImminent(ctx context.Context, env testbed.Envelope) error {
	run := a.currentRun()
	if run == nil {
		return nil
	}
	a.logSystemEvent(ctx, "run_imminent",
		fmt.Sprintf("run %d imminent for execution %s", run.runID, run.executionID))

	bc := testbed.WorkerBroadcast{
		MsgType:   testbed.MsgRunImminent,
		RunID:     run.runID,
		CreatedAt: testbed.Timestamp(),
		Content: map[string]any{
			"execution_id":          run.executionID,
			"target_worker_count":   run.params.TargetWorkerCount,
			"slice_processing_time": run.params.SliceProcessingTime,
			"worker_rampup_time":    run.params.WorkerRampupTime,
			"worker_rampdown_time":  run.params.WorkerRampdownTime,
		},
	}
	headers := broker.BroadcastHeaders(testbed.MsgRunImminent, a.agent.Namespace(), run.runID)
	if err := a.agent.Publish(ctx, testbed.WorkerTopic, bc, headers); err != nil {
		a.logger.Warn("worker broadcast failed", "msg_type", testbed.MsgRunImminent, "error", err)
	}
	return nil
}

func (a *Agent) onStartRun(ctx context.Context, env testbed.Envelope) error {
	run := a.currentRun()
	if run == nil {
		return nil
	}
	a.agent.SetState(ctx, testbed.StateProcessing, fmt.Sprintf("run %d", run.runID))
	err := a.monitor.PatchRunState(ctx, run.runID, map[string]any{
		"phase":            "physics",
		"state":            "running",
		"substate":         "physics",
		"state_changed_at": testbed.Timestamp(),
	})
	if err != nil {
		a.logger.Warn("run-state patch failed", "run_id", run.runID, "error", err)
	}
	return nil
}

// onTFFileRegistered cuts the registered TF file's parent STF into slices,
// records each in the monitor and queues it for the transformers. Counter
// updates use a read-then-patch cycle; this agent is the single counter
// writer for its runs.
func (a *Agent) onTFFileRegistered(ctx context.Context, env testbed.Envelope, msg *testbed.TFFileRegistered) error {
	run := a.currentRun()
	if run == nil {
		return nil
	}
	stf := msg.STFFilename
	if stf == "" {
		stf = msg.TFFilename
	}
	a.mu.Lock()
	params := run.params
	run.tfFilesReceived++
	a.mu.Unlock()

	slices := CreateTFSlices(stf, params.SlicesPerSample, params.TFsPerSTF)
	queued := 0
	for _, s := range slices {
		record := &monitor.TFSlice{
			RunNumber:   run.runID,
			SliceID:     s.SliceID,
			TFFirst:     s.TFFirst,
			TFLast:      s.TFLast,
			TFCount:     s.TFCount,
			TFFilename:  s.TFFilename,
			STFFilename: stf,
			Status:      "queued",
		}
		if err := a.monitor.CreateTFSlice(ctx, record); err != nil {
			a.logger.Warn("slice record creation failed",
				"run_id", run.runID, "slice_id", s.SliceID, "error", err)
			continue
		}
		if err := a.sendSlice(ctx, run, stf, s); err != nil {
			a.logger.Warn("slice publish failed",
				"run_id", run.runID, "slice_id", s.SliceID, "error", err)
			continue
		}
		queued++
	}
	a.mu.Lock()
	run.slicesCreated += queued
	a.mu.Unlock()

	a.bumpRunCounters(ctx, run.runID, queued)
	a.logger.Info("tf file sliced", "stf_filename", stf, "slices_queued", queued)
	return nil
}

// sendSlice publishes one persistent slice message with a fresh request id.
func (a *Agent) sendSlice(ctx context.Context, run *runContext, stf string, s Slice) error {
	msg := testbed.SliceMessage{
		MsgType:   testbed.MsgSlice,
		RunID:     run.runID,
		CreatedAt: testbed.Timestamp(),
		Content: testbed.SliceContent{
			RunID:       run.runID,
			ExecutionID: run.executionID,
			ReqID:       testbed.NewReqID(),
			Filename:    stf,
			TFFilename:  s.TFFilename,
			SliceID:     s.SliceID,
			Start:       s.TFFirst,
			End:         s.TFLast,
			TFCount:     s.TFCount,
			State:       "queued",
			Substate:    "new",
		},
	}
	return a.agent.Publish(ctx, testbed.SliceTopic, msg, broker.SliceHeaders(run.runID))
}

// bumpRunCounters increments the sample and slice counters on the run-state
// row with a GET then PATCH.
func (a *Agent) bumpRunCounters(ctx context.Context, runID int64, queued int) {
	rs, err := a.monitor.GetRunState(ctx, runID)
	if err != nil {
		a.logger.Warn("run-state read failed", "run_id", runID, "error", err)
		return
	}
	err = a.monitor.PatchRunState(ctx, runID, map[string]any{
		"stf_samples_received": rs.STFSamplesReceived + 1,
		"slices_created":       rs.SlicesCreated + queued,
		"slices_queued":        rs.SlicesQueued + queued,
	})
	if err != nil {
		a.logger.Warn("run-state counter patch failed", "run_id", runID, "error", err)
	}
}

func (a *Agent) patchSubstate(ctx context.Context, env testbed.Envelope, substate string) error {
	run := a.currentRun()
	if run == nil {
		return nil
	}
	err := a.monitor.PatchRunState(ctx, run.runID, map[string]any{
		"substate":         substate,
		"state_changed_at": testbed.Timestamp(),
	})
	if err != nil {
		a.logger.Warn("run-state patch failed", "run_id", run.runID, "error", err)
	}
	return nil
}

/// onEndRun closes out the run: final run-state patch, an end_run broadcast
// to the worker fleet with totals, then the context is cleared.
func (a *Agent) onEndRun(ctx context.Context, env testbed.Envelope) error {
	run := a.currentRun()
	if run == nil {
		return nil
	}
	err := a.monitor.PatchRunState(ctx, run.runID, map[string]any{
		"phase":            "completed",
		"state":            "ended",
		"substate":         nil,
		"state_changed_at": testbed.Timestamp(),
	})
	if err != nil {
		a.logger.Warn("run-state patch failed", "run_id", run.runID, "error", err)
	}

	a.mu.Lock()
	tfFiles, slices := run.tfFilesReceived, run.slicesCreated
	a.run = nil
	a.mu.Unlock()

	bc := testbed.WorkerBroadcast{
		MsgType:   testbed.MsgEndRun,
		RunID:     run.runID,
		CreatedAt: testbed.Timestamp(),
		Content: map[string]any{
			"execution_id":            run.executionID,
			"total_tf_files_received": tfFiles,
			"total_slices_created":    slices,
		},
	}
	headers := broker.BroadcastHeaders(testbed.MsgEndRun, a.agent.Namespace(), run.runID)
	if err := a.agent.Publish(ctx, testbed.WorkerTopic, bc, headers); err != nil {
		a.logger.Warn("worker broadcast failed", "msg_type", testbed.MsgEndRun, "error", err)
	}
	a.logSystemEvent(ctx, "end_run",
		fmt.Sprintf("run %d ended: %d tf files, %d slices", run.runID, tfFiles, slices))
	a.agent.SetState(ctx, testbed.StateReady, "")
	return nil
}

// onSliceResult tallies the result, resolves the slice row for the
// reported slice id and marks it completed or failed. Every result is
// counted and audited even when the row update is not possible.
func (a *Agent) onSliceResult(ctx context.Context, env testbed.Envelope, msg *testbed.SliceResult) error {
	run := a.currentRun()
	if run == nil {
		return nil
	}
	status := "failed"
	if msg.Done() {
		status = "completed"
	}
	a.mu.Lock()
	run.resultsReceived++
	if status == "completed" {
		run.resultsDone++
	} else {
		run.resultsFailed++
	}
	received, done, failed := run.resultsReceived, run.resultsDone, run.resultsFailed
	a.mu.Unlock()

	if err := a.recordSliceResult(ctx, run, msg, status); err != nil {
		return err
	}
	a.logSystemEvent(ctx, "slice_result", fmt.Sprintf(
		"run %d slice result %s: results_received=%d results_done=%d results_failed=%d",
		run.runID, status, received, done, failed))
	return nil
}

// recordSliceResult patches the slice row matching the result's slice id.
func (a *Agent) recordSliceResult(ctx context.Context, run *runContext, msg *testbed.SliceResult, status string) error {
	inner := msg.Inner()
	if inner == nil || inner.SliceID == nil {
		a.logger.Debug("slice_result without slice_id", "run_id", run.runID)
		return nil
	}
	sliceID := *inner.SliceID

	row, err := a.monitor.FindTFSlice(ctx, run.runID, sliceID)
	if err != nil {
		return fmt.Errorf("find slice %d/%d: %w", run.runID, sliceID, err)
	}
	if row == nil {
		a.logger.Warn("slice_result for unknown slice", "run_id", run.runID, "slice_id", sliceID)
		return nil
	}

	processedAt := msg.Content.ProcessedAt
	if processedAt == "" {
		processedAt = testbed.Timestamp()
	}
	fields := map[string]any{
		"status":       status,
		"processed_at": processedAt,
		"metadata": map[string]any{
			"worker_hostname":     msg.Content.Hostname,
			"panda_task_id":       msg.Content.PandaTaskID,
			"panda_id":            msg.Content.PandaID,
			"harvester_id":        msg.Content.HarvesterID,
			"processing_start_at": msg.Content.ProcessingStartAt,
			"result":              json.RawMessage(msg.Content.Result),
		},
	}
	if err := a.monitor.PatchTFSlice(ctx, row.ID, fields); err != nil {
		a.logger.Warn("slice patch failed", "slice_db_id", row.ID, "error", err)
		return nil
	}
	a.logger.Info("slice result recorded", "run_id", run.runID, "slice_id", sliceID, "status", status)
	return nil
}

// logSystemEvent appends an audit record, best effort.
func (a *Agent) logSystemEvent(ctx context.Context, eventType, description string) {
	ev := &monitor.SystemEvent{
		AgentName:   a.agent.Name(),
		EventType:   eventType,
		Description: description,
		Namespace:   a.agent.Namespace(),
	}
	if err := a.monitor.PostSystemEvent(ctx, ev); err != nil {
		a.logger.Warn("system event post failed", "event_type", eventType, "error", err)
	}
}
