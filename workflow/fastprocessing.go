package workflow

import (
	"context"
	"fmt"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/sim"
)

const sourceFastProcessing = "builtin: statistical fast-processing run model " +
	"(worker ramp-up, STF sampling and slice creation at stf_rate, ramp-down)"

// fpParams is the [fast_processing] section of the fast_processing workflow.
type fpParams struct {
	BroadcastDelay     float64 `toml:"broadcast_delay"`
	RunImminentDelay   float64 `toml:"run_imminent_delay"`
	RunDuration        float64 `toml:"run_duration"`
	STFRate            float64 `toml:"stf_rate"`
	SlicesPerSample    int     `toml:"slices_per_sample"`
	WorkerRampdownTime float64 `toml:"worker_rampdown_time"`
}

// FastProcessing models one fast-processing run statistically: it does not
// move data, it advances simulated time through the run phases and counts
// the STF samples and slices the real pipeline would produce.
type FastProcessing struct {
	params     fpParams
	stfSamples int
	slices     int
}

func (f *FastProcessing) Execute(rt *Runtime, p *sim.Proc) error {
	f.params = fpParams{
		BroadcastDelay:     0.1,
		RunImminentDelay:   30,
		RunDuration:        60,
		STFRate:            0.1,
		SlicesPerSample:    15,
		WorkerRampdownTime: 30,
	}
	if err := rt.Config.DecodeSection("fast_processing", &f.params); err != nil {
		return err
	}
	if f.params.STFRate <= 0 {
		return fmt.Errorf("fast_processing: stf_rate must be positive, got %v", f.params.STFRate)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	runID, err := rt.Monitor.NextRunNumber(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("allocate run number: %w", err)
	}
	rt.RunID = runID

	// Phase 1: run imminent, workers ramp up staggered over
	// run_imminent_delay.
	imminent := testbed.RunImminent{Envelope: rt.NewEnvelope(testbed.MsgRunImminent), State: "beam", Substate: "not_ready"}
	rt.Broadcast(testbed.MsgRunImminent, imminent)
	p.Wait(f.params.BroadcastDelay)
	p.Wait(f.params.RunImminentDelay)

	// Phase 2: running, sample STFs for run_duration.
	start := testbed.RunTransition{Envelope: rt.NewEnvelope(testbed.MsgStartRun), State: "run", Substate: "physics"}
	rt.Broadcast(testbed.MsgStartRun, start)
	p.Wait(f.params.BroadcastDelay)
	f.sampleRun(p)

	// Phase 3: run end, workers ramp down.
	end := testbed.EndRun{Envelope: rt.NewEnvelope(testbed.MsgEndRun),
		TotalTFFilesReceived: f.stfSamples, TotalSlicesCreated: f.slices}
	rt.Broadcast(testbed.MsgEndRun, end)
	p.Wait(f.params.BroadcastDelay)
	p.Wait(f.params.WorkerRampdownTime)

	rt.Logger.Info("fast_processing finished",
		"run_id", rt.RunID, "stf_samples", f.stfSamples, "slices", f.slices)
	return nil
}

// sampleRun generates STF samples at stf_rate for run_duration simulated
// seconds, counting slices_per_sample slices per sample.
func (f *FastProcessing) sampleRun(p *sim.Proc) {
	interval := 1.0 / f.params.STFRate
	start := p.Now()
	for p.Now()-start < f.params.RunDuration {
		f.stfSamples++
		f.slices += f.params.SlicesPerSample
		p.Wait(0.1)

		remaining := f.params.RunDuration - (p.Now() - start)
		if remaining > 0 {
			if interval < remaining {
				p.Wait(interval)
			} else {
				p.Wait(remaining)
			}
		}
	}
}
