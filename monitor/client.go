// Package monitor is the REST client for the SWF monitor service: agent
// heartbeats, workflow definitions and executions, run states, TF slices,
// fastmon files, audit events and the ai-memory dialogue store.
package monitor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/eic-swf/testbed"
)

// Environment variables resolved by SettingsFromEnv.
const (
	EnvMonitorURL     = "SWF_MONITOR_URL"
	EnvMonitorHTTPURL = "SWF_MONITOR_HTTP_URL"
	EnvAPIToken       = "SWF_API_TOKEN"
)

const (
	defaultTimeout = 10 * time.Second
	// Heartbeats are frequent and disposable; they get a shorter deadline
	// than data operations.
	heartbeatTimeout = 5 * time.Second
)

// Settings holds the monitor connection parameters.
type Settings struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// SettingsFromEnv reads SWF_MONITOR_URL (falling back to
// SWF_MONITOR_HTTP_URL) and SWF_API_TOKEN.
func SettingsFromEnv() Settings {
	base := os.Getenv(EnvMonitorURL)
	if base == "" {
		base = os.Getenv(EnvMonitorHTTPURL)
	}
	return Settings{
		BaseURL: base,
		Token:   os.Getenv(EnvAPIToken),
		Timeout: defaultTimeout,
	}
}

// Client is a thin HTTP session against the monitor API. All methods map
// one-to-one onto /api/ resources. The zero value is not usable; construct
// with NewClient.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *slog.Logger
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewClient builds a client for the given settings. TLS verification is
// disabled for localhost monitors, which run with self-signed certificates
// in development testbeds.
func NewClient(s Settings, logger *slog.Logger) *Client {
	if logger == nil {
		logger = nopLogger
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	transport := http.DefaultTransport
	if isLocalhost(s.BaseURL) {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		base:   strings.TrimRight(s.BaseURL, "/"),
		token:  s.Token,
		http:   &http.Client{Timeout: s.Timeout, Transport: transport},
		logger: logger,
	}
}

func isLocalhost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// do performs one JSON request. path is relative to <base>/api/. out may be
// nil when the response body is not needed. Non-2xx responses and transport
// failures return *testbed.ErrMonitorAPI.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + "/api/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &testbed.ErrMonitorAPI{Method: method, Path: path, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &testbed.ErrMonitorAPI{Method: method, Path: path, Body: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &testbed.ErrMonitorAPI{Method: method, Path: path, Status: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &testbed.ErrMonitorAPI{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &testbed.ErrMonitorAPI{Method: method, Path: path, Status: resp.StatusCode, Body: "bad response body: " + err.Error()}
		}
	}
	return nil
}

// getList performs a GET and decodes either a paginated or a bare list.
func (c *Client) getList(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, query, nil, &raw); err != nil {
		return nil, err
	}
	items, err := decodeList(raw)
	if err != nil {
		return nil, &testbed.ErrMonitorAPI{Method: http.MethodGet, Path: path, Body: "bad list body: " + err.Error()}
	}
	return items, nil
}

func truncate(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// PostHeartbeat upserts the agent's heartbeat row with the 5 s heartbeat
// deadline. Implements testbed.Reporter.
func (c *Client) PostHeartbeat(ctx context.Context, hb testbed.Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "systemagents/heartbeat/", nil, hb, nil)
}

var _ testbed.Reporter = (*Client)(nil)

// FindDefinition looks up a workflow definition by its uniqueness key.
// Returns (nil, nil) when no definition exists.
func (c *Client) FindDefinition(ctx context.Context, name, version string) (*WorkflowDefinition, error) {
	q := url.Values{"workflow_name": {name}, "version": {version}}
	items, err := c.getList(ctx, "workflow-definitions/", q)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var def WorkflowDefinition
		if err := json.Unmarshal(item, &def); err != nil {
			continue
		}
		if def.WorkflowName == name && def.Version == version {
			return &def, nil
		}
	}
	return nil, nil
}

// CreateDefinition registers a new workflow definition and returns the
// created row.
func (c *Client) CreateDefinition(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	var created WorkflowDefinition
	if err := c.do(ctx, http.MethodPost, "workflow-definitions/", nil, def, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListExecutions returns the executions of one workflow.
func (c *Client) ListExecutions(ctx context.Context, workflowName string) ([]WorkflowExecution, error) {
	q := url.Values{"workflow_name": {workflowName}}
	items, err := c.getList(ctx, "workflow-executions/", q)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowExecution, 0, len(items))
	for _, item := range items {
		var ex WorkflowExecution
		if err := json.Unmarshal(item, &ex); err != nil {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// GetExecution fetches one execution by its string execution id.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	var ex WorkflowExecution
	if err := c.do(ctx, http.MethodGet, "workflow-executions/"+executionID+"/", nil, nil, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// CreateExecution creates the execution row.
func (c *Client) CreateExecution(ctx context.Context, ex *WorkflowExecution) error {
	return c.do(ctx, http.MethodPost, "workflow-executions/", nil, ex, nil)
}

// PatchExecution updates fields of an execution, typically status and
// end_time at termination.
func (c *Client) PatchExecution(ctx context.Context, executionID string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, "workflow-executions/"+executionID+"/", nil, fields, nil)
}

// NextExecutionSequence allocates the next monotonic sequence for a
// workflow. When the counter endpoint fails it falls back to counting the
// existing executions; there is no random fallback, so a second failure is
// returned to the caller and the workflow aborts.
func (c *Client) NextExecutionSequence(ctx context.Context, workflowName string) (int, error) {
	var resp struct {
		Sequence int `json:"sequence"`
	}
	err := c.do(ctx, http.MethodPost, "state/next-workflow-execution-id/",
		nil, map[string]string{"workflow_name": workflowName}, &resp)
	if err == nil && resp.Sequence > 0 {
		return resp.Sequence, nil
	}
	c.logger.Warn("execution id endpoint failed, counting executions", "workflow", workflowName, "error", err)
	execs, listErr := c.ListExecutions(ctx, workflowName)
	if listErr != nil {
		if err == nil {
			err = listErr
		}
		return 0, err
	}
	return len(execs) + 1, nil
}

// NextRunNumber allocates the next run number from the persistent state
// counter.
func (c *Client) NextRunNumber(ctx context.Context) (int64, error) {
	var resp struct {
		Status    string `json:"status"`
		RunNumber int64  `json:"run_number"`
	}
	if err := c.do(ctx, http.MethodPost, "state/next-run-number/", nil, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Status != "success" || resp.RunNumber <= 0 {
		return 0, &testbed.ErrMonitorAPI{Method: http.MethodPost, Path: "state/next-run-number/",
			Body: fmt.Sprintf("unexpected response status %q run_number %d", resp.Status, resp.RunNumber)}
	}
	return resp.RunNumber, nil
}

// EnsureNamespace upserts the namespace row. Idempotent: an already-exists
// conflict is not an error.
func (c *Client) EnsureNamespace(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodPost, "namespaces/", nil, map[string]string{"name": name}, nil)
	var apiErr *testbed.ErrMonitorAPI
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusConflict || apiErr.Status == http.StatusBadRequest) {
		return nil
	}
	return err
}

// CreateRunState creates the per-run state row. Only the workflow runner
// calls this.
func (c *Client) CreateRunState(ctx context.Context, rs *RunState) error {
	return c.do(ctx, http.MethodPost, "run-states/", nil, rs, nil)
}

// GetRunState reads the current run-state row.
func (c *Client) GetRunState(ctx context.Context, runNumber int64) (*RunState, error) {
	var rs RunState
	path := fmt.Sprintf("run-states/%d/", runNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// PatchRunState updates run-state fields. Callers own the read-modify-write
// cycle; per run there is a single counter writer.
func (c *Client) PatchRunState(ctx context.Context, runNumber int64, fields map[string]any) error {
	path := fmt.Sprintf("run-states/%d/", runNumber)
	return c.do(ctx, http.MethodPatch, path, nil, fields, nil)
}

// CreateTFSlice records a freshly queued slice.
func (c *Client) CreateTFSlice(ctx context.Context, s *TFSlice) error {
	return c.do(ctx, http.MethodPost, "tf-slices/", nil, s, nil)
}

// FindTFSlice resolves the database row for (run_number, slice_id).
// Returns (nil, nil) when no row matches.
func (c *Client) FindTFSlice(ctx context.Context, runNumber int64, sliceID int) (*TFSlice, error) {
	q := url.Values{
		"run_number": {fmt.Sprintf("%d", runNumber)},
		"slice_id":   {fmt.Sprintf("%d", sliceID)},
	}
	items, err := c.getList(ctx, "tf-slices/", q)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var s TFSlice
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		if s.RunNumber == runNumber && s.SliceID == sliceID {
			return &s, nil
		}
	}
	return nil, nil
}

// PatchTFSlice updates a slice row by database id.
func (c *Client) PatchTFSlice(ctx context.Context, id int64, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("tf-slices/%d/", id), nil, fields, nil)
}

// CreateFastMonFile registers a sampled TF file and returns the created row
// with its id.
func (c *Client) CreateFastMonFile(ctx context.Context, f *FastMonFile) (*FastMonFile, error) {
	var created FastMonFile
	if err := c.do(ctx, http.MethodPost, "fastmon-files/", nil, f, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// PostSystemEvent appends an audit event. Best effort; callers log and
// continue on failure.
func (c *Client) PostSystemEvent(ctx context.Context, ev *SystemEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = testbed.Timestamp()
	}
	return c.do(ctx, http.MethodPost, "system-state-events/", nil, ev, nil)
}

// LoadDialogue fetches the last turns of a user's dialogue memory.
func (c *Client) LoadDialogue(ctx context.Context, username string, turns int, namespace string) ([]DialogueTurn, error) {
	q := url.Values{
		"username": {username},
		"turns":    {fmt.Sprintf("%d", turns)},
	}
	if namespace != "" {
		q.Set("namespace", namespace)
	}
	items, err := c.getList(ctx, "ai-memory/", q)
	if err != nil {
		return nil, err
	}
	out := make([]DialogueTurn, 0, len(items))
	for _, item := range items {
		var turn DialogueTurn
		if err := json.Unmarshal(item, &turn); err != nil {
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}

// RecordDialogue appends one dialogue turn.
func (c *Client) RecordDialogue(ctx context.Context, turn *DialogueTurn) error {
	return c.do(ctx, http.MethodPost, "ai-memory/record/", nil, turn, nil)
}
