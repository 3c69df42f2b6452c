package fastproc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
)

type published struct {
	destination string
	headers     map[string]string
	body        []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	frames    chan testbed.Frame
	sent      []published
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan testbed.Frame, 64)}
}

func (t *fakeTransport) Subscribe(string) error       { return nil }
func (t *fakeTransport) Frames() <-chan testbed.Frame { return t.frames }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.frames) })
	return nil
}

func (t *fakeTransport) Publish(_ context.Context, destination string, body []byte, headers map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, published{destination: destination, headers: headers, body: body})
	return nil
}

func (t *fakeTransport) deliver(tb *testing.T, destination string, v any) {
	tb.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		tb.Fatalf("marshal: %v", err)
	}
	t.frames <- testbed.Frame{Destination: destination, Body: body}
}

func (t *fakeTransport) published(destination string) []published {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []published
	for _, p := range t.sent {
		if p.destination == destination {
			out = append(out, p)
		}
	}
	return out
}

type runStatePatch struct {
	runID  int64
	fields map[string]any
}

type fakeMonitor struct {
	mu           sync.Mutex
	executions   map[string]*monitor.WorkflowExecution
	events       []monitor.SystemEvent
	slices       []*monitor.TFSlice
	slicePatches map[int64]map[string]any
	runStates    map[int64]*monitor.RunState
	patches      []runStatePatch
	nextSliceID  int64
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		executions:   make(map[string]*monitor.WorkflowExecution),
		slicePatches: make(map[int64]map[string]any),
		runStates:    make(map[int64]*monitor.RunState),
	}
}

func (m *fakeMonitor) GetExecution(_ context.Context, executionID string) (*monitor.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("no execution %s", executionID)
	}
	return exec, nil
}

func (m *fakeMonitor) PostSystemEvent(_ context.Context, ev *monitor.SystemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *fakeMonitor) CreateTFSlice(_ context.Context, s *monitor.TFSlice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSliceID++
	rec := *s
	rec.ID = m.nextSliceID
	m.slices = append(m.slices, &rec)
	return nil
}

func (m *fakeMonitor) FindTFSlice(_ context.Context, runNumber int64, sliceID int) (*monitor.TFSlice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slices {
		if s.RunNumber == runNumber && s.SliceID == sliceID {
			return s, nil
		}
	}
	return nil, nil
}

func (m *fakeMonitor) PatchTFSlice(_ context.Context, id int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slicePatches[id] = fields
	return nil
}

func (m *fakeMonitor) GetRunState(_ context.Context, runNumber int64) (*monitor.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runStates[runNumber]
	if !ok {
		return nil, fmt.Errorf("no run state %d", runNumber)
	}
	return rs, nil
}

func (m *fakeMonitor) PatchRunState(_ context.Context, runNumber int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, runStatePatch{runID: runNumber, fields: fields})
	return nil
}

func (m *fakeMonitor) sliceCount(runNumber int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slices {
		if s.RunNumber == runNumber {
			n++
		}
	}
	return n
}

func (m *fakeMonitor) eventsOfType(eventType string) []monitor.SystemEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []monitor.SystemEvent
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (m *fakeMonitor) lastPatch(runNumber int64) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.patches) - 1; i >= 0; i-- {
		if m.patches[i].runID == runNumber {
			return m.patches[i].fields
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startAgent(t *testing.T, tr *fakeTransport, mon *fakeMonitor, section map[string]any) *Agent {
	t.Helper()
	tb := &config.Testbed{
		Namespace: "alice",
		Sections:  map[string]map[string]any{},
	}
	if section != nil {
		tb.Sections["fast_processing"] = section
	}
	a := New(tr, mon, nil, tb, WithName("fast-processing-agent-test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func tfRegistered(runID int64, executionID, stf string) *testbed.TFFileRegistered {
	return &testbed.TFFileRegistered{
		Envelope: testbed.Envelope{
			MsgType:     testbed.MsgTFFileRegistered,
			Namespace:   "alice",
			ExecutionID: executionID,
			RunID:       runID,
		},
		TFFilename:    stf,
		STFFilename:   stf,
		FileSizeBytes: 1 << 20,
		RunNumber:     runID,
		Status:        "registered",
	}
}

func TestTFFileRegisteredSlicesAndQueues(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-1"] = &monitor.WorkflowExecution{ExecutionID: "daq-1", Status: "running"}
	mon.runStates[100001] = &monitor.RunState{RunNumber: 100001}
	startAgent(t, tr, mon, map[string]any{
		"slices_per_sample": int64(4),
		"tfs_per_stf":       int64(100),
	})

	stf := "swf.100001.000001.stf"
	tr.deliver(t, testbed.EpicTopic, tfRegistered(100001, "daq-1", stf))

	waitFor(t, "4 slice records", func() bool { return mon.sliceCount(100001) == 4 })
	waitFor(t, "4 slice messages", func() bool { return len(tr.published(testbed.SliceTopic)) == 4 })

	msgs := tr.published(testbed.SliceTopic)
	wantRanges := [][2]int{{0, 24}, {25, 49}, {50, 74}, {75, 99}}
	for i, p := range msgs {
		var sm testbed.SliceMessage
		if err := json.Unmarshal(p.body, &sm); err != nil {
			t.Fatalf("slice message %d: %v", i, err)
		}
		if sm.MsgType != testbed.MsgSlice || sm.RunID != 100001 {
			t.Errorf("message %d envelope = %s/%d", i, sm.MsgType, sm.RunID)
		}
		c := sm.Content
		if c.SliceID != i || c.Start != wantRanges[i][0] || c.End != wantRanges[i][1] {
			t.Errorf("message %d range = id %d [%d,%d]", i, c.SliceID, c.Start, c.End)
		}
		if c.Filename != stf || c.TFFilename != testbed.SliceFilename(stf, i) {
			t.Errorf("message %d filenames = %q / %q", i, c.Filename, c.TFFilename)
		}
		if c.ReqID == "" || c.State != "queued" {
			t.Errorf("message %d req_id %q state %q", i, c.ReqID, c.State)
		}
		if p.headers["persistent"] != "true" || p.headers["ttl"] != "43200000" ||
			p.headers["run_id"] != "100001" || p.headers["vo"] != "eic" {
			t.Errorf("message %d headers = %v", i, p.headers)
		}
	}

	waitFor(t, "counter patch", func() bool { return mon.lastPatch(100001) != nil })
	patch := mon.lastPatch(100001)
	if patch["stf_samples_received"] != 1 || patch["slices_created"] != 4 || patch["slices_queued"] != 4 {
		t.Errorf("counter patch = %v", patch)
	}
}

func TestExecutionParametersOverrideLocalConfig(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	// The execution record carries JSON-decoded numbers, so float64.
	mon.executions["daq-2"] = &monitor.WorkflowExecution{
		ExecutionID: "daq-2",
		ParameterValues: map[string]any{
			"fast_processing": map[string]any{
				"slices_per_sample": float64(2),
				"tfs_per_stf":       float64(10),
			},
		},
	}
	mon.runStates[100002] = &monitor.RunState{RunNumber: 100002}
	startAgent(t, tr, mon, map[string]any{"slices_per_sample": int64(15)})

	tr.deliver(t, testbed.EpicTopic, tfRegistered(100002, "daq-2", "swf.100002.000001.stf"))

	waitFor(t, "2 slice records", func() bool { return mon.sliceCount(100002) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := mon.sliceCount(100002); n != 2 {
		t.Fatalf("slice count = %d", n)
	}
}

func TestRunImminentRampsUpWorkers(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-3"] = &monitor.WorkflowExecution{ExecutionID: "daq-3"}
	startAgent(t, tr, mon, map[string]any{
		"target_worker_count":   int64(7),
		"slice_processing_time": 2.5,
	})

	tr.deliver(t, testbed.EpicTopic, &testbed.RunImminent{
		Envelope: testbed.Envelope{
			MsgType: testbed.MsgRunImminent, Namespace: "alice",
			ExecutionID: "daq-3", RunID: 100003,
		},
		State: "run", Substate: "not_ready",
	})

	waitFor(t, "worker broadcast", func() bool { return len(tr.published(testbed.WorkerTopic)) == 1 })
	p := tr.published(testbed.WorkerTopic)[0]
	var bc testbed.WorkerBroadcast
	if err := json.Unmarshal(p.body, &bc); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if bc.MsgType != testbed.MsgRunImminent || bc.RunID != 100003 {
		t.Errorf("broadcast envelope = %s/%d", bc.MsgType, bc.RunID)
	}
	if bc.Content["target_worker_count"] != float64(7) {
		t.Errorf("target_worker_count = %v", bc.Content["target_worker_count"])
	}
	if bc.Content["slice_processing_time"] != 2.5 {
		t.Errorf("slice_processing_time = %v", bc.Content["slice_processing_time"])
	}
	if p.headers["persistent"] != "false" || p.headers["namespace"] != "alice" ||
		p.headers["msg_type"] != testbed.MsgRunImminent {
		t.Errorf("headers = %v", p.headers)
	}

	waitFor(t, "audit event", func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.events) == 1
	})
}

func TestSliceResultMarksCompletedOrFailed(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-4"] = &monitor.WorkflowExecution{ExecutionID: "daq-4"}
	mon.slices = []*monitor.TFSlice{
		{ID: 11, RunNumber: 100004, SliceID: 0, Status: "queued"},
		{ID: 12, RunNumber: 100004, SliceID: 1, Status: "queued"},
	}
	startAgent(t, tr, mon, nil)

	result := func(sliceID int, state string, processed bool) *testbed.SliceResult {
		inner, _ := json.Marshal(map[string]any{
			"result": map[string]any{"slice_id": sliceID, "processed": processed},
		})
		return &testbed.SliceResult{
			Envelope: testbed.Envelope{
				MsgType: testbed.MsgSliceResult, Namespace: "alice",
				ExecutionID: "daq-4", RunID: 100004,
			},
			Content: testbed.SliceResultContent{
				Hostname: "worker01",
				State:    state,
				Result:   inner,
			},
		}
	}

	tr.deliver(t, testbed.ResultsQueue, result(0, "done", true))
	tr.deliver(t, testbed.ResultsQueue, result(1, "", false))

	waitFor(t, "two slice patches", func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.slicePatches) == 2
	})
	waitFor(t, "two slice_result events", func() bool {
		return len(mon.eventsOfType("slice_result")) == 2
	})

	// Each result bumps the per-run counters and the audit event carries
	// the running totals.
	events := mon.eventsOfType("slice_result")
	wantTotals := []string{
		"results_received=1 results_done=1 results_failed=0",
		"results_received=2 results_done=1 results_failed=1",
	}
	for i, ev := range events {
		if !strings.Contains(ev.Description, wantTotals[i]) {
			t.Errorf("event %d description = %q, want totals %q", i, ev.Description, wantTotals[i])
		}
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.slicePatches[11]["status"] != "completed" {
		t.Errorf("slice 11 patch = %v", mon.slicePatches[11])
	}
	if mon.slicePatches[12]["status"] != "failed" {
		t.Errorf("slice 12 patch = %v", mon.slicePatches[12])
	}
	if mon.slicePatches[11]["processed_at"] == "" {
		t.Error("processed_at not filled")
	}
	meta, ok := mon.slicePatches[11]["metadata"].(map[string]any)
	if !ok || meta["worker_hostname"] != "worker01" {
		t.Errorf("metadata = %v", mon.slicePatches[11]["metadata"])
	}
}

func TestSliceResultForUnknownSliceIgnored(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-5"] = &monitor.WorkflowExecution{ExecutionID: "daq-5"}
	startAgent(t, tr, mon, nil)

	inner, _ := json.Marshal(map[string]any{
		"result": map[string]any{"slice_id": 99, "processed": true},
	})
	tr.deliver(t, testbed.ResultsQueue, &testbed.SliceResult{
		Envelope: testbed.Envelope{
			MsgType: testbed.MsgSliceResult, Namespace: "alice",
			ExecutionID: "daq-5", RunID: 100005,
		},
		Content: testbed.SliceResultContent{Result: inner},
	})
	// A second, resolvable message proves the first was processed and dropped.
	mon.mu.Lock()
	mon.slices = append(mon.slices, &monitor.TFSlice{ID: 20, RunNumber: 100005, SliceID: 0})
	mon.mu.Unlock()
	done, _ := json.Marshal(map[string]any{
		"result": map[string]any{"slice_id": 0, "processed": true},
	})
	tr.deliver(t, testbed.ResultsQueue, &testbed.SliceResult{
		Envelope: testbed.Envelope{
			MsgType: testbed.MsgSliceResult, Namespace: "alice",
			ExecutionID: "daq-5", RunID: 100005,
		},
		Content: testbed.SliceResultContent{Result: done},
	})

	waitFor(t, "known slice patched", func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.slicePatches) == 1
	})
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if _, ok := mon.slicePatches[20]; !ok {
		t.Errorf("patches = %v", mon.slicePatches)
	}
}

func TestEndRunReportsTotalsAndClearsContext(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-6"] = &monitor.WorkflowExecution{ExecutionID: "daq-6"}
	mon.runStates[100006] = &monitor.RunState{RunNumber: 100006}
	a := startAgent(t, tr, mon, map[string]any{
		"slices_per_sample": int64(3),
		"tfs_per_stf":       int64(30),
	})

	tr.deliver(t, testbed.EpicTopic, tfRegistered(100006, "daq-6", "swf.100006.000001.stf"))
	waitFor(t, "slices queued", func() bool { return mon.sliceCount(100006) == 3 })

	tr.deliver(t, testbed.EpicTopic, &testbed.EndRun{
		Envelope: testbed.Envelope{
			MsgType: testbed.MsgEndRun, Namespace: "alice",
			ExecutionID: "daq-6", RunID: 100006,
		},
		TotalSTFFiles: 1,
	})

	waitFor(t, "end_run broadcast", func() bool {
		for _, p := range tr.published(testbed.WorkerTopic) {
			var bc testbed.WorkerBroadcast
			if json.Unmarshal(p.body, &bc) == nil && bc.MsgType == testbed.MsgEndRun {
				return true
			}
		}
		return false
	})

	var bc testbed.WorkerBroadcast
	for _, p := range tr.published(testbed.WorkerTopic) {
		if json.Unmarshal(p.body, &bc) == nil && bc.MsgType == testbed.MsgEndRun {
			break
		}
	}
	if bc.Content["total_tf_files_received"] != float64(1) || bc.Content["total_slices_created"] != float64(3) {
		t.Errorf("end_run totals = %v", bc.Content)
	}

	patch := mon.lastPatch(100006)
	if patch["phase"] != "completed" || patch["state"] != "ended" {
		t.Errorf("final run-state patch = %v", patch)
	}
	if run := a.currentRun(); run != nil {
		t.Errorf("run context not cleared: %+v", run)
	}
}

func TestForeignNamespaceDropped(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-7"] = &monitor.WorkflowExecution{ExecutionID: "daq-7"}
	mon.runStates[100007] = &monitor.RunState{RunNumber: 100007}
	startAgent(t, tr, mon, map[string]any{
		"slices_per_sample": int64(2),
		"tfs_per_stf":       int64(10),
	})

	foreign := tfRegistered(200000, "bob-daq-1", "swf.200000.000001.stf")
	foreign.Namespace = "bob"
	tr.deliver(t, testbed.EpicTopic, foreign)
	tr.deliver(t, testbed.EpicTopic, tfRegistered(100007, "daq-7", "swf.100007.000001.stf"))

	waitFor(t, "own-namespace slices", func() bool { return mon.sliceCount(100007) == 2 })
	if n := mon.sliceCount(200000); n != 0 {
		t.Errorf("foreign run produced %d slices", n)
	}
	if len(tr.published(testbed.SliceTopic)) != 2 {
		t.Errorf("published %d slice messages", len(tr.published(testbed.SliceTopic)))
	}
}

func TestPauseResumePatchSubstate(t *testing.T) {
	tr := newFakeTransport()
	mon := newFakeMonitor()
	mon.executions["daq-8"] = &monitor.WorkflowExecution{ExecutionID: "daq-8"}
	startAgent(t, tr, mon, nil)

	env := testbed.Envelope{
		MsgType: testbed.MsgPauseRun, Namespace: "alice",
		ExecutionID: "daq-8", RunID: 100008,
	}
	tr.deliver(t, testbed.EpicTopic, &testbed.PauseRun{Envelope: env, State: "run", Substate: "standby"})
	env.MsgType = testbed.MsgResumeRun
	tr.deliver(t, testbed.EpicTopic, &testbed.RunTransition{Envelope: env, State: "run", Substate: "physics"})

	waitFor(t, "two substate patches", func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.patches) == 2
	})
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.patches[0].fields["substate"] != "standby" || mon.patches[1].fields["substate"] != "physics" {
		t.Errorf("patches = %v, %v", mon.patches[0].fields, mon.patches[1].fields)
	}
}
