package workflow

import "github.com/eic-swf/testbed/sim"

const sourceSTFProcessing = "builtin: silent DAQ timing model, the stf_datataking " +
	"state machine without broadcasts or monitor records"

// STFProcessing is a timing-only variant of the DAQ state machine: it walks
// the same states and counts STFs but emits nothing. Used for dry runs and
// schedule validation.
type STFProcessing struct {
	params   daqParams
	sequence int
}

// Sequence returns the number of STFs the run would have produced.
func (s *STFProcessing) Sequence() int { return s.sequence }

func (s *STFProcessing) Execute(rt *Runtime, p *sim.Proc) error {
	s.params = defaultDAQParams()
	for _, section := range []string{"daq_state_machine", "stf_processing"} {
		if err := rt.Config.DecodeSection(section, &s.params); err != nil {
			return err
		}
	}
	if s.params.STFInterval <= 0 {
		s.params.STFInterval = 1.0
	}

	p.Wait(s.params.NoBeamNotReadyDelay)
	p.Wait(s.params.BroadcastDelay + s.params.BeamNotReadyDelay)
	p.Wait(s.params.BeamReadyDelay)

	period := 0
	for s.params.PhysicsPeriodCount == 0 || period < s.params.PhysicsPeriodCount {
		p.Wait(s.params.BroadcastDelay)
		s.generate(p)
		period++
		if s.params.PhysicsPeriodCount == 0 || period < s.params.PhysicsPeriodCount {
			p.Wait(s.params.BroadcastDelay + s.params.StandbyDuration)
		}
	}

	p.Wait(s.params.BroadcastDelay + s.params.BeamNotReadyEndDelay)
	rt.Logger.Info("stf_processing finished", "total_stf_files", s.sequence)
	return nil
}

func (s *STFProcessing) generate(p *sim.Proc) {
	if s.params.STFCount > 0 {
		for i := 0; i < s.params.STFCount; i++ {
			s.sequence++
			p.Wait(s.params.STFGenerationTime)
			if i < s.params.STFCount-1 {
				p.Wait(s.params.STFInterval)
			}
		}
		return
	}
	start := p.Now()
	for p.Now()-start < s.params.PhysicsPeriodDuration {
		s.sequence++
		p.Wait(s.params.STFGenerationTime)
		if p.Now()-start < s.params.PhysicsPeriodDuration {
			p.Wait(s.params.STFInterval)
		}
	}
}
