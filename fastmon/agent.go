// Package fastmon is the fast-monitoring agent: it watches for ready super
// time frames, simulates sampled time frames from each, registers them in the
// monitor and announces each registration back on the broadcast topic.
package fastmon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/broker"
	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/monitor"
)

// MonitorAPI is the slice of the monitor client this agent uses.
type MonitorAPI interface {
	CreateFastMonFile(ctx context.Context, f *monitor.FastMonFile) (*monitor.FastMonFile, error)
}

// Stats are the running totals kept since agent start.
type Stats struct {
	STFMessagesProcessed int
	TFFilesCreated       int
}

// Agent is the fast-monitoring agent.
type Agent struct {
	agent   *testbed.Agent
	monitor MonitorAPI
	params  Params
	rnd     *rand.Rand
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures the Agent.
type Option func(*agentConfig)

type agentConfig struct {
	logger *slog.Logger
	tracer testbed.Tracer
	name   string
	rnd    *rand.Rand
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

// WithRand sets the random source used for selection and size jitter.
func WithRand(rnd *rand.Rand) Option {
	return func(c *agentConfig) { c.rnd = rnd }
}

// New builds the agent from the testbed configuration and validates the
// sampling parameters.
func New(transport testbed.Transport, mon MonitorAPI, reporter testbed.Reporter,
	tb *config.Testbed, opts ...Option) (*Agent, error) {
	var c agentConfig
	for _, opt := range opts {
		opt(&c)
	}
	a := &Agent{monitor: mon, params: defaultParams()}
	if section, ok := tb.Sections["fastmon"]; ok {
		applyParams(&a.params, section)
	}
	if err := validateParams(a.params); err != nil {
		return nil, err
	}
	a.rnd = c.rnd
	if a.rnd == nil {
		a.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	agentOpts := []testbed.AgentOption{
		testbed.WithNamespace(tb.Namespace),
		testbed.WithSubscriptions(testbed.EpicTopic),
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
	a.agent = testbed.NewAgent("fastmon", transport, reporter, agentOpts...)
	a.logger = a.agent.Logger()
	return a, nil
}

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
	setFloat(&p.SelectionFraction, "selection_fraction")
	setInt(&p.TFFilesPerSTF, "tf_files_per_stf")
	setFloat(&p.TFSizeFraction, "tf_size_fraction")
	setInt(&p.TFSequenceStart, "tf_sequence_start")
}

// Run runs the dispatch loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	return a.agent.Run(ctx)
}

// Stats returns the running totals.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Agent) onMessage(ctx context.Context, f testbed.Frame) error {
	_, typ, ok := a.agent.Decode(f.Body, testbed.MsgSTFReady)
	if !ok || typ != testbed.MsgSTFReady {
		return nil
	}
	var msg testbed.STFReady
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		return fmt.Errorf("stf_ready: %w", err)
	}
	if msg.Filename == "" {
		a.logger.Error("stf_ready without filename", "run_id", msg.RunID)
		return nil
	}
	return a.sampleSTF(ctx, &msg)
}

// sampleSTF applies the selection gate, simulates the TF subsamples for a
// selected STF, registers each in the monitor and broadcasts the
// registration.
func (a *Agent) sampleSTF(ctx context.Context, stf *testbed.STFReady) error {
	a.mu.Lock()
	a.stats.STFMessagesProcessed++
	selected := a.params.SelectionFraction >= 1 || a.rnd.Float64() < a.params.SelectionFraction
	a.mu.Unlock()
	if !selected {
		a.logger.Debug("stf not selected for sampling",
			"stf_filename", stf.Filename, "selection_fraction", a.params.SelectionFraction)
		return nil
	}

	a.mu.Lock()
	samples := SampleTFs(stf, a.params, a.rnd, a.agent.Name())
	a.mu.Unlock()

	created := 0
	for _, s := range samples {
		row, err := a.monitor.CreateFastMonFile(ctx, &monitor.FastMonFile{
			STFParentFilename: stf.Filename,
			TFFilename:        s.TFFilename,
			FileSizeBytes:     s.FileSizeBytes,
			RunNumber:         stf.RunID,
			Status:            "registered",
			Namespace:         a.agent.Namespace(),
			Metadata:          s.Metadata,
		})
		if err != nil {
			a.logger.Warn("tf file registration failed",
				"tf_filename", s.TFFilename, "error", err)
			continue
		}
		if err := a.announce(ctx, stf, row); err != nil {
			a.logger.Warn("tf_file_registered broadcast failed",
				"tf_filename", row.TFFilename, "error", err)
			continue
		}
		created++
	}

	a.mu.Lock()
	a.stats.TFFilesCreated += created
	a.mu.Unlock()
	a.logger.Info("stf sampled", "stf_filename", stf.Filename, "tf_files_created", created)
	return nil
}

// announce broadcasts one tf_file_registered for a created monitor row.
func (a *Agent) announce(ctx context.Context, stf *testbed.STFReady, row *monitor.FastMonFile) error {
	msg := testbed.TFFileRegistered{
		Envelope: testbed.Envelope{
			MsgType:     testbed.MsgTFFileRegistered,
			Namespace:   a.agent.Namespace(),
			Timestamp:   testbed.Timestamp(),
			ExecutionID: stf.ExecutionID,
			RunID:       stf.RunID,
		},
		TFFileID:      row.ID,
		TFFilename:    row.TFFilename,
		FileSizeBytes: row.FileSizeBytes,
		STFFilename:   stf.Filename,
		RunNumber:     stf.RunID,
		Status:        row.Status,
		ProcessedBy:   a.agent.Name(),
	}
	headers := broker.BroadcastHeaders(testbed.MsgTFFileRegistered, a.agent.Namespace(), stf.RunID)
	return a.agent.Publish(ctx, testbed.EpicTopic, msg, headers)
}
