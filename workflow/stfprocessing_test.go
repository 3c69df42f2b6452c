package workflow

import (
	"context"
	"log/slog"
	"testing"

	"github.com/eic-swf/testbed/config"
	"github.com/eic-swf/testbed/sim"
)

// countingPublisher counts broadcasts without a broker.
type countingPublisher struct{ calls int }

func (p *countingPublisher) Publish(context.Context, string, any, map[string]string) error {
	p.calls++
	return nil
}

func TestSTFProcessingCountsWithoutBroadcasting(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "stf_processing_default.toml", `
[workflow]
name = "stf_processing"
version = "0.1"

[daq_state_machine]
no_beam_not_ready_delay = 1
broadcast_delay = 0.1
beam_not_ready_delay = 1
beam_ready_delay = 1
physics_period_count = 2
physics_period_duration = 60
stf_interval = 1.0
stf_generation_time = 0.05
stf_count = 3
standby_duration = 2
beam_not_ready_end_delay = 1
`)
	tb := &config.Testbed{Namespace: "alice"}
	cfg, err := config.LoadWorkflow(dir, "stf_processing", "", tb, nil)
	if err != nil {
		t.Fatal(err)
	}

	executor, _, err := DefaultRegistry().New("stf_processing")
	if err != nil {
		t.Fatal(err)
	}
	proc, ok := executor.(*STFProcessing)
	if !ok {
		t.Fatalf("executor = %T", executor)
	}

	pub := &countingPublisher{}
	env := sim.New()
	rt := &Runtime{
		ExecutionID: "stf_processing-wenauseic-0001",
		Namespace:   "alice",
		Config:      cfg,
		Publisher:   pub,
		Logger:      slog.New(slog.DiscardHandler),
		Env:         env,
	}
	p := env.Spawn(cfg.Name, func(sp *sim.Proc) {
		if err := proc.Execute(rt, sp); err != nil {
			rt.setErr(err)
		}
	})

	stop := make(chan struct{})
	for !p.Done() && env.Step(stop) {
	}
	if !p.Done() {
		t.Fatal("run never finished")
	}
	if err := rt.Err(); err != nil {
		t.Fatal(err)
	}

	// Two physics periods of three STFs each, counted but never emitted.
	if got := proc.Sequence(); got != 6 {
		t.Errorf("Sequence() = %d, want 6", got)
	}
	if pub.calls != 0 {
		t.Errorf("published %d messages from a dry run", pub.calls)
	}
	if now := env.Now(); now <= 0 {
		t.Errorf("simulation clock = %v", now)
	}
}
