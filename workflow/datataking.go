package workflow

import (
	"context"
	"fmt"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/monitor"
	"github.com/eic-swf/testbed/sim"
)

const sourceDataTaking = "builtin: DAQ state machine (no_beam -> beam -> physics periods -> end_run) " +
	"emitting run lifecycle and stf_gen broadcasts on the epic topic"

// daqParams is the merged [daq_state_machine] section. Workflow-specific
// sections (fast_processing, stf_processing) may override individual keys.
// All delays are simulated seconds.
type daqParams struct {
	NoBeamNotReadyDelay   float64 `toml:"no_beam_not_ready_delay"`
	BroadcastDelay        float64 `toml:"broadcast_delay"`
	BeamNotReadyDelay     float64 `toml:"beam_not_ready_delay"`
	BeamReadyDelay        float64 `toml:"beam_ready_delay"`
	PhysicsPeriodCount    int     `toml:"physics_period_count"`
	PhysicsPeriodDuration float64 `toml:"physics_period_duration"`
	STFInterval           float64 `toml:"stf_interval"`
	STFGenerationTime     float64 `toml:"stf_generation_time"`
	STFCount              int     `toml:"stf_count"`
	StandbyDuration       float64 `toml:"standby_duration"`
	BeamNotReadyEndDelay  float64 `toml:"beam_not_ready_end_delay"`
	STFSizeBytes          int64   `toml:"stf_size_bytes"`
	TargetWorkerCount     int     `toml:"target_worker_count"`
	// EmitSTFReady additionally broadcasts an stf_ready companion after
	// each stf_gen, standing in for the external stf_gen -> stf_ready
	// adapter. Off by default.
	EmitSTFReady bool `toml:"emit_stf_ready"`
}

func defaultDAQParams() daqParams {
	return daqParams{
		NoBeamNotReadyDelay:   5,
		BroadcastDelay:        0.1,
		BeamNotReadyDelay:     2,
		BeamReadyDelay:        1,
		PhysicsPeriodDuration: 60,
		STFInterval:           1.0,
		STFGenerationTime:     0.05,
		StandbyDuration:       5,
		BeamNotReadyEndDelay:  2,
		STFSizeBytes:          1 << 30,
	}
}

// DataTaking is the stf_datataking workflow: a deterministic DAQ state
// machine that allocates a run number, walks the collider states and emits
// one stf_gen broadcast per generated super time frame.
type DataTaking struct {
	params   daqParams
	sequence int
}

func (d *DataTaking) loadParams(rt *Runtime) error {
	d.params = defaultDAQParams()
	for _, section := range []string{"daq_state_machine", "fast_processing", "stf_processing"} {
		if err := rt.Config.DecodeSection(section, &d.params); err != nil {
			return err
		}
	}
	if d.params.STFInterval <= 0 {
		d.params.STFInterval = 1.0
	}
	return nil
}

// Execute walks the DAQ state machine. The run number is allocated at the
// first step; a failure there is fatal to the workflow.
func (d *DataTaking) Execute(rt *Runtime, p *sim.Proc) error {
	if err := d.loadParams(rt); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	runID, err := rt.Monitor.NextRunNumber(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("allocate run number: %w", err)
	}
	rt.RunID = runID
	rt.Logger.Info("run number allocated", "run_id", runID, "execution_id", rt.ExecutionID)

	d.createRunState(rt)

	// State 1: no_beam / not_ready. Collider not operating.
	p.Wait(d.params.NoBeamNotReadyDelay)

	// State 2: beam / not_ready. Run start imminent.
	msg := testbed.RunImminent{Envelope: rt.NewEnvelope(testbed.MsgRunImminent), State: "beam", Substate: "not_ready"}
	rt.Broadcast(testbed.MsgRunImminent, msg)
	p.Wait(d.params.BroadcastDelay + d.params.BeamNotReadyDelay)

	// State 3: beam / ready.
	p.Wait(d.params.BeamReadyDelay)

	// Physics periods with standby between them. A zero period count means
	// run forever (the stop flag or the duration limit ends it).
	period := 0
	for d.params.PhysicsPeriodCount == 0 || period < d.params.PhysicsPeriodCount {
		if period == 0 {
			start := testbed.RunTransition{Envelope: rt.NewEnvelope(testbed.MsgStartRun), State: "run", Substate: "physics"}
			rt.Broadcast(testbed.MsgStartRun, start)
		} else {
			resume := testbed.RunTransition{Envelope: rt.NewEnvelope(testbed.MsgResumeRun), State: "run", Substate: "physics"}
			rt.Broadcast(testbed.MsgResumeRun, resume)
		}
		p.Wait(d.params.BroadcastDelay)

		d.generatePhysics(rt, p)
		period++

		if d.params.PhysicsPeriodCount == 0 || period < d.params.PhysicsPeriodCount {
			pause := testbed.PauseRun{Envelope: rt.NewEnvelope(testbed.MsgPauseRun),
				State: "run", Substate: "standby", Reason: "standby between physics periods"}
			rt.Broadcast(testbed.MsgPauseRun, pause)
			p.Wait(d.params.BroadcastDelay + d.params.StandbyDuration)
		}
	}

	// beam / not_ready again, closing the run.
	end := testbed.EndRun{Envelope: rt.NewEnvelope(testbed.MsgEndRun), TotalSTFFiles: d.sequence}
	rt.Broadcast(testbed.MsgEndRun, end)
	p.Wait(d.params.BroadcastDelay + d.params.BeamNotReadyEndDelay)

	// Final no_beam / not_ready. No dwell.
	rt.Logger.Info("datataking finished", "run_id", runID, "total_stf_files", d.sequence)
	return nil
}

// createRunState initializes the per-run row before the run_imminent
// broadcast. Best effort: downstream agents tolerate a missing row.
func (d *DataTaking) createRunState(rt *Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	rs := &monitor.RunState{
		RunNumber:         rt.RunID,
		ExecutionID:       rt.ExecutionID,
		Namespace:         rt.Namespace,
		Phase:             "initializing",
		State:             "no_beam",
		Substate:          "not_ready",
		TargetWorkerCount: rt.Config.Int("fast_processing", "target_worker_count", d.params.TargetWorkerCount),
		StateChangedAt:    testbed.Timestamp(),
	}
	if err := rt.Monitor.CreateRunState(ctx, rs); err != nil {
		rt.Logger.Warn("run-state create failed", "run_id", rt.RunID, "error", err)
	}
}

// generatePhysics emits STFs for one physics period. With stf_count set the
// period is count-based and emits exactly that many; otherwise emission
// continues until physics_period_duration has elapsed.
func (d *DataTaking) generatePhysics(rt *Runtime, p *sim.Proc) {
	if d.params.STFCount > 0 {
		for i := 0; i < d.params.STFCount; i++ {
			d.emitSTF(rt, p)
			if i < d.params.STFCount-1 {
				p.Wait(d.params.STFInterval)
			}
		}
		return
	}
	start := p.Now()
	for p.Now()-start < d.params.PhysicsPeriodDuration {
		d.emitSTF(rt, p)
		if p.Now()-start < d.params.PhysicsPeriodDuration {
			p.Wait(d.params.STFInterval)
		}
	}
}

func (d *DataTaking) emitSTF(rt *Runtime, p *sim.Proc) {
	d.sequence++
	filename := testbed.STFFilename(rt.RunID, d.sequence)

	gen := testbed.STFGen{Envelope: rt.NewEnvelope(testbed.MsgSTFGen),
		Filename: filename, Sequence: d.sequence, State: "run", Substate: "physics"}
	rt.Broadcast(testbed.MsgSTFGen, gen)

	p.Wait(d.params.STFGenerationTime)

	if !d.params.EmitSTFReady {
		return
	}
	ready := testbed.STFReady{Envelope: rt.NewEnvelope(testbed.MsgSTFReady),
		Filename: filename, SizeBytes: d.params.STFSizeBytes,
		State: "run", Substate: "physics",
		Start: testbed.Timestamp(), End: testbed.Timestamp()}
	rt.Broadcast(testbed.MsgSTFReady, ready)
}
