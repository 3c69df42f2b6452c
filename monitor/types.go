package monitor

import "encoding/json"

// WorkflowDefinition is a registered (name, version) pair with the workflow
// source and its fully expanded parameter values. Definitions are immutable
// once created; the runner reuses an existing row without modification.
type WorkflowDefinition struct {
	ID              int64          `json:"id,omitempty"`
	WorkflowName    string         `json:"workflow_name"`
	Version         string         `json:"version"`
	WorkflowType    string         `json:"workflow_type,omitempty"`
	Definition      string         `json:"definition,omitempty"`
	ParameterValues map[string]any `json:"parameter_values,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
}

// WorkflowExecution is one run of a workflow. Status moves from running to
// exactly one of completed, terminated or failed.
type WorkflowExecution struct {
	ExecutionID        string         `json:"execution_id"`
	WorkflowDefinition int64          `json:"workflow_definition,omitempty"`
	Namespace          string         `json:"namespace,omitempty"`
	Status             string         `json:"status"`
	ExecutedBy         string         `json:"executed_by,omitempty"`
	StartTime          string         `json:"start_time,omitempty"`
	EndTime            string         `json:"end_time,omitempty"`
	ParameterValues    map[string]any `json:"parameter_values,omitempty"`
}

// RunState is the per-run row holding the phase and the slice counters.
// The workflow runner creates it; the fast-processing agent owns the
// counter updates for its runs.
type RunState struct {
	RunNumber          int64          `json:"run_number"`
	ExecutionID        string         `json:"execution_id,omitempty"`
	Namespace          string         `json:"namespace,omitempty"`
	Phase              string         `json:"phase,omitempty"`
	State              string         `json:"state,omitempty"`
	Substate           string         `json:"substate,omitempty"`
	TargetWorkerCount  int            `json:"target_worker_count"`
	ActiveWorkerCount  int            `json:"active_worker_count"`
	STFSamplesReceived int            `json:"stf_samples_received"`
	SlicesCreated      int            `json:"slices_created"`
	SlicesQueued       int            `json:"slices_queued"`
	SlicesProcessing   int            `json:"slices_processing"`
	SlicesCompleted    int            `json:"slices_completed"`
	SlicesFailed       int            `json:"slices_failed"`
	StateChangedAt     string         `json:"state_changed_at,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// TFSlice is a slice work record. Slice id is unique within a run.
type TFSlice struct {
	ID          int64          `json:"id,omitempty"`
	RunNumber   int64          `json:"run_number"`
	SliceID     int            `json:"slice_id"`
	TFFirst     int            `json:"tf_first"`
	TFLast      int            `json:"tf_last"`
	TFCount     int            `json:"tf_count"`
	TFFilename  string         `json:"tf_filename"`
	STFFilename string         `json:"stf_filename"`
	Status      string         `json:"status"`
	Retries     int            `json:"retries,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FastMonFile is a sampled TF file record created by the fast-monitoring
// agent.
type FastMonFile struct {
	ID                int64          `json:"id,omitempty"`
	STFParentFilename string         `json:"stf_parent_filename"`
	TFFilename        string         `json:"tf_filename"`
	FileSizeBytes     int64          `json:"file_size_bytes"`
	RunNumber         int64          `json:"run_number,omitempty"`
	Status            string         `json:"status"`
	Namespace         string         `json:"namespace,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SystemEvent is an append-only audit record.
type SystemEvent struct {
	AgentName   string         `json:"agent_name"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description,omitempty"`
	Namespace   string         `json:"namespace,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DialogueTurn is one entry of the cross-session dialogue memory.
type DialogueTurn struct {
	Username    string `json:"username"`
	SessionID   string `json:"session_id,omitempty"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Namespace   string `json:"namespace,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// listEnvelope matches the two list shapes the monitor returns: a DRF page
// with a results array, or a bare JSON list.
type listEnvelope struct {
	Results []json.RawMessage `json:"results"`
}

func decodeList(data []byte) ([]json.RawMessage, error) {
	trimmed := firstByte(data)
	if trimmed == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var page listEnvelope
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
