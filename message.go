package testbed

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Broker destinations used by the testbed. Topics are broadcast, queues are
// point-to-point work or control channels.
const (
	EpicTopic            = "/topic/epictopic"
	WorkerTopic          = "/topic/panda.workers"
	SliceTopic           = "/topic/panda.slices"
	ResultsQueue         = "/queue/panda.results.fastprocessing"
	WorkflowControlQueue = "/queue/workflow_control"
)

// AgentControlQueue returns the per-user control queue consumed by the
// user agent manager.
func AgentControlQueue(username string) string {
	return "/queue/agent_control." + username
}

// Message types carried in the msg_type envelope field.
const (
	MsgRunImminent      = "run_imminent"
	MsgStartRun         = "start_run"
	MsgPauseRun         = "pause_run"
	MsgResumeRun        = "resume_run"
	MsgEndRun           = "end_run"
	MsgSTFGen           = "stf_gen"
	MsgSTFReady         = "stf_ready"
	MsgTFFileRegistered = "tf_file_registered"
	MsgSlice            = "slice"
	MsgSliceResult      = "slice_result"
	MsgRunWorkflow      = "run_workflow"
	MsgStopWorkflow     = "stop_workflow"
	MsgStatusRequest    = "status_request"
)

// Envelope is the common header of every JSON message on the broker.
// Broadcasts produced by a workflow executor additionally carry the run and
// execution identifiers and the simulation tick at which they were emitted.
type Envelope struct {
	MsgType        string  `json:"msg_type"`
	Namespace      string  `json:"namespace,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
	ExecutionID    string  `json:"execution_id,omitempty"`
	RunID          int64   `json:"run_id,omitempty"`
	SimulationTick float64 `json:"simulation_tick,omitempty"`
}

// Timestamp returns the current wall-clock time in the ISO-8601 form used on
// the wire.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// RunImminent announces that a run is about to start (beam / not_ready).
type RunImminent struct {
	Envelope
	State    string `json:"state"`
	Substate string `json:"substate"`
}

// RunTransition covers start_run and resume_run (run / physics).
type RunTransition struct {
	Envelope
	State    string `json:"state"`
	Substate string `json:"substate"`
}

// PauseRun announces a standby period between physics periods.
type PauseRun struct {
	Envelope
	State    string `json:"state"`
	Substate string `json:"substate"`
	Reason   string `json:"reason,omitempty"`
}

// EndRun closes a run. The DAQ reports total STF files; fast processing
// reports what it received and created.
type EndRun struct {
	Envelope
	TotalSTFFiles        int `json:"total_stf_files,omitempty"`
	TotalTFFilesReceived int `json:"total_tf_files_received,omitempty"`
	TotalSlicesCreated   int `json:"total_slices_created,omitempty"`
}

// STFGen announces generation of one super time frame.
type STFGen struct {
	Envelope
	Filename string `json:"filename"`
	Sequence int    `json:"sequence"`
	State    string `json:"state"`
	Substate string `json:"substate"`
}

// STFReady announces an STF available for fast-monitoring sampling.
type STFReady struct {
	Envelope
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	State     string `json:"state"`
	Substate  string `json:"substate"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// TFFileRegistered is emitted by the fast-monitoring agent for each TF record
// it creates in the monitor.
type TFFileRegistered struct {
	Envelope
	TFFileID      int64  `json:"tf_file_id,omitempty"`
	TFFilename    string `json:"tf_filename"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	STFFilename   string `json:"stf_filename"`
	RunNumber     int64  `json:"run_number"`
	Status        string `json:"status,omitempty"`
	ProcessedBy   string `json:"processed_by,omitempty"`
}

// SliceContent is the payload of a slice work message.
type SliceContent struct {
	RunID       int64  `json:"run_id"`
	ExecutionID string `json:"execution_id"`
	ReqID       string `json:"req_id"`
	Filename    string `json:"filename"`
	TFFilename  string `json:"tf_filename"`
	SliceID     int    `json:"slice_id"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	TFCount     int    `json:"tf_count"`
	State       string `json:"state"`
	Substate    string `json:"substate"`
}

// SliceMessage is the work unit published on the transformer topic.
type SliceMessage struct {
	MsgType   string       `json:"msg_type"`
	RunID     int64        `json:"run_id"`
	CreatedAt string       `json:"created_at"`
	Content   SliceContent `json:"content"`
}

// WorkerBroadcast wraps a run lifecycle message rebroadcast to the worker
// topic with the parameters workers need to ramp up and down.
type WorkerBroadcast struct {
	MsgType   string         `json:"msg_type"`
	RunID     int64          `json:"run_id"`
	CreatedAt string         `json:"created_at"`
	Content   map[string]any `json:"content"`
}

// SliceResultInner is the innermost worker report: result.result.
type SliceResultInner struct {
	SliceID    *int   `json:"slice_id"`
	TFFilename string `json:"tf_filename"`
	Processed  bool   `json:"processed"`
}

// SliceResultContent is the content block of a slice_result message.
type SliceResultContent struct {
	Hostname          string          `json:"hostname,omitempty"`
	PandaTaskID       int64           `json:"panda_task_id,omitempty"`
	PandaID           int64           `json:"panda_id,omitempty"`
	HarvesterID       string          `json:"harvester_id,omitempty"`
	ProcessingStartAt string          `json:"processing_start_at,omitempty"`
	ProcessedAt       string          `json:"processed_at,omitempty"`
	State             string          `json:"state,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
}

// SliceResult is a worker's report on one processed slice.
type SliceResult struct {
	Envelope
	Content SliceResultContent `json:"content"`
}

// Inner extracts the nested result.result payload, which workers wrap one
// level deeper than the content block. Returns nil when absent or malformed.
func (r *SliceResult) Inner() *SliceResultInner {
	if len(r.Content.Result) == 0 {
		return nil
	}
	var outer struct {
		Result *SliceResultInner `json:"result"`
	}
	if err := json.Unmarshal(r.Content.Result, &outer); err != nil {
		return nil
	}
	return outer.Result
}

// Done reports whether the result indicates successful processing: the
// content state is "done" or the inner result is marked processed.
func (r *SliceResult) Done() bool {
	if r.Content.State == "done" {
		return true
	}
	inner := r.Inner()
	return inner != nil && inner.Processed
}

// RunWorkflow is the control message that starts a workflow execution.
type RunWorkflow struct {
	Envelope
	WorkflowName string         `json:"workflow_name"`
	Config       string         `json:"config,omitempty"`
	Realtime     *bool          `json:"realtime,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// StopWorkflow requests cooperative termination of the active execution.
type StopWorkflow struct {
	Envelope
	// ExecutionID optionally restricts the stop to a specific execution.
	StopExecutionID string `json:"execution_id,omitempty"`
}

// ManagerCommand is the control message consumed by the user agent manager.
type ManagerCommand struct {
	Command    string `json:"command"`
	ConfigName string `json:"config_name,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// DecodeMessage parses a broker frame body and applies the namespace filter.
// It returns the envelope and the message type. ok is false when the body is
// not a JSON object (logged and dropped, ack mode is auto) or when the
// message belongs to another namespace (dropped silently, debug log only).
// Message types not listed in known log a warning but still return ok=true;
// an empty known list accepts everything.
func DecodeMessage(body []byte, namespace string, logger *slog.Logger, known ...string) (Envelope, string, bool) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		logger.Error("dropping unparseable message", "error", err)
		return Envelope{}, "", false
	}
	if env.Namespace != "" && namespace != "" && env.Namespace != namespace {
		logger.Debug("dropping message from foreign namespace",
			"msg_type", env.MsgType, "namespace", env.Namespace, "own_namespace", namespace)
		return Envelope{}, "", false
	}
	if len(known) > 0 {
		found := false
		for _, k := range known {
			if env.MsgType == k {
				found = true
				break
			}
		}
		if !found {
			logger.Warn("unknown message type", "msg_type", env.MsgType)
		}
	}
	return env, env.MsgType, true
}
