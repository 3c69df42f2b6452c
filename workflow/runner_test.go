package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
)

// fakeTransport is an in-memory testbed.Transport.
type fakeTransport struct {
	mu        sync.Mutex
	published []published
	frames    chan testbed.Frame
}

type published struct {
	destination string
	body        []byte
	headers     map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan testbed.Frame, 64)}
}

func (f *fakeTransport) Subscribe(string) error       { return nil }
func (f *fakeTransport) Frames() <-chan testbed.Frame { return f.frames }
func (f *fakeTransport) Close() error                 { return nil }

func (f *fakeTransport) Publish(_ context.Context, dest string, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{dest, body, headers})
	return nil
}

func (f *fakeTransport) topicTypes(dest string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, p := range f.published {
		if p.destination == dest {
			types = append(types, p.headers["msg_type"])
		}
	}
	return types
}

func (f *fakeTransport) deliver(v any) {
	body, _ := json.Marshal(v)
	f.frames <- testbed.Frame{Destination: testbed.WorkflowControlQueue, Body: body}
}

// fakeMonitor records monitor calls in memory.
type fakeMonitor struct {
	mu          sync.Mutex
	sequence    int
	runNumber   int64
	definitions []monitor.WorkflowDefinition
	executions  map[string]*monitor.WorkflowExecution
	runStates   map[int64]*monitor.RunState
	patches     map[string][]map[string]any

	failNextSequence bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		runNumber:  100000,
		executions: make(map[string]*monitor.WorkflowExecution),
		runStates:  make(map[int64]*monitor.RunState),
		patches:    make(map[string][]map[string]any),
	}
}

func (m *fakeMonitor) NextExecutionSequence(_ context.Context, workflowName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNextSequence {
		return 0, errors.New("sequence endpoint down")
	}
	m.sequence++
	return m.sequence, nil
}

func (m *fakeMonitor) FindDefinition(_ context.Context, name, version string) (*monitor.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.definitions {
		if m.definitions[i].WorkflowName == name && m.definitions[i].Version == version {
			return &m.definitions[i], nil
		}
	}
	return nil, nil
}

func (m *fakeMonitor) CreateDefinition(_ context.Context, def *monitor.WorkflowDefinition) (*monitor.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := *def
	created.ID = int64(len(m.definitions) + 1)
	m.definitions = append(m.definitions, created)
	return &created, nil
}

func (m *fakeMonitor) EnsureNamespace(context.Context, string) error { return nil }

func (m *fakeMonitor) CreateExecution(_ context.Context, ex *monitor.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ex
	m.executions[ex.ExecutionID] = &cp
	return nil
}

func (m *fakeMonitor) PatchExecution(_ context.Context, executionID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches[executionID] = append(m.patches[executionID], fields)
	return nil
}

func (m *fakeMonitor) NextRunNumber(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runNumber++
	return m.runNumber, nil
}

func (m *fakeMonitor) CreateRunState(_ context.Context, rs *monitor.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rs
	m.runStates[rs.RunNumber] = &cp
	return nil
}

func (m *fakeMonitor) PatchRunState(_ context.Context, runNumber int64, fields map[string]any) error {
	return nil
}

func (m *fakeMonitor) lastStatus(executionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	patches := m.patches[executionID]
	if len(patches) == 0 {
		return ""
	}
	status, _ := patches[len(patches)-1]["status"].(string)
	return status
}

func (m *fakeMonitor) executionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executions)
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRunner(t *testing.T, opts ...RunnerOption) (*Runner, *fakeTransport, *fakeMonitor, func()) {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir, "stf_datataking_default.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"

[daq_state_machine]
no_beam_not_ready_delay = 1
broadcast_delay = 0.1
beam_not_ready_delay = 1
beam_ready_delay = 1
physics_period_count = 1
physics_period_duration = 60
stf_interval = 1.0
stf_generation_time = 0.05
stf_count = 3
standby_duration = 2
beam_not_ready_end_delay = 1
`)
	writeConfig(t, dir, "forever_default.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"

[daq_state_machine]
no_beam_not_ready_delay = 1
physics_period_count = 0
physics_period_duration = 60
stf_interval = 1.0
standby_duration = 2
`)
	tb := &config.Testbed{
		Namespace: "alice",
		Sections:  map[string]map[string]any{"testbed": {"namespace": "alice"}},
	}
	tr := newFakeTransport()
	mon := newFakeMonitor()
	all := append([]RunnerOption{WithConfigDir(dir), WithUsername("wenauseic")}, opts...)
	r := NewRunner(tr, mon, nil, DefaultRegistry(), tb, all...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("runner did not shut down")
		}
	}
	return r, tr, mon, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func TestCountBasedRunSequence(t *testing.T) {
	_, tr, mon, stop := newTestRunner(t)
	defer stop()

	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Realtime:     boolPtr(false),
	})

	waitFor(t, "execution completed", func() bool {
		return mon.lastStatus("stf_datataking-wenauseic-0001") == "completed"
	})

	// Lifecycle order on the broadcast topic: one stf_gen per super time
	// frame, nothing else between start and end.
	types := tr.topicTypes(testbed.EpicTopic)
	want := []string{
		testbed.MsgRunImminent,
		testbed.MsgStartRun,
		testbed.MsgSTFGen,
		testbed.MsgSTFGen,
		testbed.MsgSTFGen,
		testbed.MsgEndRun,
	}
	if len(types) != len(want) {
		t.Fatalf("broadcast types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("broadcast %d = %q, want %q (all: %v)", i, types[i], want[i], types)
		}
	}

	// STF filenames carry the allocated run id and a 6-digit sequence.
	tr.mu.Lock()
	var filenames []string
	for _, p := range tr.published {
		if p.headers["msg_type"] == testbed.MsgSTFGen {
			var msg testbed.STFGen
			json.Unmarshal(p.body, &msg)
			filenames = append(filenames, msg.Filename)
		}
	}
	tr.mu.Unlock()
	for i, fn := range filenames {
		if fn != testbed.STFFilename(100001, i+1) {
			t.Errorf("stf filename %d = %q", i, fn)
		}
	}

	// The run-state row was created before run_imminent went out.
	mon.mu.Lock()
	rs := mon.runStates[100001]
	mon.mu.Unlock()
	if rs == nil || rs.Phase != "initializing" || rs.Namespace != "alice" {
		t.Errorf("run state = %+v", rs)
	}
}

func TestSTFReadyCompanionOptIn(t *testing.T) {
	r, tr, mon, stop := newTestRunner(t)
	defer stop()

	writeConfig(t, r.configDir, "ready_companion.toml", `
[workflow]
name = "stf_datataking"
version = "0.1"

[daq_state_machine]
no_beam_not_ready_delay = 1
broadcast_delay = 0.1
beam_not_ready_delay = 1
beam_ready_delay = 1
physics_period_count = 1
physics_period_duration = 60
stf_interval = 1.0
stf_generation_time = 0.05
stf_count = 2
standby_duration = 2
beam_not_ready_end_delay = 1
emit_stf_ready = true
`)
	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Config:       "ready_companion.toml",
		Realtime:     boolPtr(false),
	})
	waitFor(t, "execution completed", func() bool {
		return mon.lastStatus("stf_datataking-wenauseic-0001") == "completed"
	})

	types := tr.topicTypes(testbed.EpicTopic)
	want := []string{
		testbed.MsgRunImminent,
		testbed.MsgStartRun,
		testbed.MsgSTFGen, testbed.MsgSTFReady,
		testbed.MsgSTFGen, testbed.MsgSTFReady,
		testbed.MsgEndRun,
	}
	if len(types) != len(want) {
		t.Fatalf("broadcast types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("broadcast %d = %q, want %q (all: %v)", i, types[i], want[i], types)
		}
	}

	// The companion carries the stf_gen filename and the configured size.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, p := range tr.published {
		if p.headers["msg_type"] != testbed.MsgSTFReady {
			continue
		}
		var msg testbed.STFReady
		json.Unmarshal(p.body, &msg)
		if msg.Filename == "" || msg.SizeBytes != 1<<30 {
			t.Errorf("stf_ready = %+v", msg)
		}
	}
}

func TestRefusesSecondWorkflowWhileProcessing(t *testing.T) {
	_, tr, mon, stop := newTestRunner(t, WithDurationLimit(0))
	defer stop()

	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Config:       "forever_default.toml",
		Realtime:     boolPtr(true),
	})
	waitFor(t, "first execution record", func() bool { return mon.executionCount() == 1 })

	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Realtime:     boolPtr(false),
	})
	time.Sleep(50 * time.Millisecond)
	if got := mon.executionCount(); got != 1 {
		t.Errorf("execution count = %d after refused request", got)
	}

	tr.deliver(testbed.StopWorkflow{Envelope: testbed.Envelope{MsgType: testbed.MsgStopWorkflow}})
	waitFor(t, "terminated status", func() bool {
		return mon.lastStatus("stf_datataking-wenauseic-0001") == "terminated"
	})
}

func TestCooperativeStopTerminates(t *testing.T) {
	_, tr, mon, stop := newTestRunner(t, WithDurationLimit(0))
	defer stop()

	// Real-time infinite run: the stop flag must interrupt the wall-clock
	// waits, not just the event boundaries.
	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Config:       "forever_default.toml",
		Realtime:     boolPtr(true),
	})
	waitFor(t, "execution running", func() bool { return mon.executionCount() == 1 })

	tr.deliver(testbed.StopWorkflow{
		Envelope:        testbed.Envelope{MsgType: testbed.MsgStopWorkflow},
		StopExecutionID: "stf_datataking-wenauseic-0001",
	})
	waitFor(t, "terminated status", func() bool {
		return mon.lastStatus("stf_datataking-wenauseic-0001") == "terminated"
	})
}

func TestStopWithWrongExecutionIDIgnored(t *testing.T) {
	_, tr, mon, stop := newTestRunner(t, WithDurationLimit(0))
	defer stop()

	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Config:       "forever_default.toml",
		Realtime:     boolPtr(true),
	})
	waitFor(t, "execution running", func() bool { return mon.executionCount() == 1 })

	tr.deliver(testbed.StopWorkflow{
		Envelope:        testbed.Envelope{MsgType: testbed.MsgStopWorkflow},
		StopExecutionID: "somebody-else-0042",
	})
	time.Sleep(50 * time.Millisecond)
	if got := mon.lastStatus("stf_datataking-wenauseic-0001"); got == "terminated" {
		t.Error("stop for foreign execution terminated the active one")
	}

	tr.deliver(testbed.StopWorkflow{Envelope: testbed.Envelope{MsgType: testbed.MsgStopWorkflow}})
	waitFor(t, "terminated status", func() bool {
		return mon.lastStatus("stf_datataking-wenauseic-0001") == "terminated"
	})
}

func TestDefinitionReusedNotOverwritten(t *testing.T) {
	_, tr, mon, stop := newTestRunner(t)
	defer stop()

	mon.mu.Lock()
	mon.definitions = append(mon.definitions, monitor.WorkflowDefinition{
		ID: 42, WorkflowName: "stf_datataking", Version: "0.1", Definition: "original",
	})
	mon.mu.Unlock()

	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Realtime:     boolPtr(false),
	})
	waitFor(t, "execution completed", func() bool {
		return mon.lastStatus("stf_datataking-wenauseic-0001") == "completed"
	})

	mon.mu.Lock()
	defer mon.mu.Unlock()
	if len(mon.definitions) != 1 || mon.definitions[0].Definition != "original" {
		t.Errorf("definitions = %+v", mon.definitions)
	}
	if mon.executions["stf_datataking-wenauseic-0001"].WorkflowDefinition != 42 {
		t.Errorf("execution not linked to existing definition: %+v",
			mon.executions["stf_datataking-wenauseic-0001"])
	}
}

func TestUnknownWorkflowRefused(t *testing.T) {
	_, tr, mon, stop := newTestRunner(t)
	defer stop()

	tr.deliver(testbed.RunWorkflow{
		Envelope:     testbed.Envelope{MsgType: testbed.MsgRunWorkflow},
		WorkflowName: "stf_datataking",
		Config:       "does_not_exist.toml",
	})
	time.Sleep(50 * time.Millisecond)
	if mon.executionCount() != 0 {
		t.Error("execution created for missing config")
	}
}

func TestRegistryUnknownName(t *testing.T) {
	r := DefaultRegistry()
	_, _, err := r.New("mystery")
	var wfErr *testbed.ErrWorkflowCode
	if !errors.As(err, &wfErr) {
		t.Fatalf("err = %v", err)
	}
	if wfErr.Workflow != "mystery" {
		t.Errorf("Workflow = %q", wfErr.Workflow)
	}
	names := r.Names()
	if len(names) != 3 || names[0] != "fast_processing" {
		t.Errorf("Names = %v", names)
	}
}
