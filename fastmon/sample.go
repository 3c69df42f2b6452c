package fastmon

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/eic-swf/testbed"
)

// Params are the [fastmon] sampling settings.
type Params struct {
	SelectionFraction float64 `toml:"selection_fraction"`
	TFFilesPerSTF     int     `toml:"tf_files_per_stf"`
	TFSizeFraction    float64 `toml:"tf_size_fraction"`
	TFSequenceStart   int     `toml:"tf_sequence_start"`
}

func defaultParams() Params {
	return Params{
		SelectionFraction: 0.1,
		TFFilesPerSTF:     7,
		TFSizeFraction:    0.15,
		TFSequenceStart:   1,
	}
}

func validateParams(p Params) error {
	if p.SelectionFraction < 0 || p.SelectionFraction > 1 {
		return &testbed.ErrConfig{
			Key:     "fastmon.selection_fraction",
			Message: fmt.Sprintf("must be within [0, 1], got %g", p.SelectionFraction),
		}
	}
	if p.TFFilesPerSTF <= 0 {
		return &testbed.ErrConfig{
			Key:     "fastmon.tf_files_per_stf",
			Message: fmt.Sprintf("must be positive, got %d", p.TFFilesPerSTF),
		}
	}
	return nil
}

// TFSample is one simulated time frame cut from an STF for monitoring.
type TFSample struct {
	TFFilename     string
	FileSizeBytes  int64
	SequenceNumber int
	Metadata       map[string]any
}

// TFSampleFilename names the Nth sampled time frame of an STF, replacing the
// .stf extension: <stf_base>_tf_<NNN>.tf.
func TFSampleFilename(stfFilename string, sequence int) string {
	base := strings.TrimSuffix(stfFilename, ".stf")
	return fmt.Sprintf("%s_tf_%03d.tf", base, sequence)
}

// SampleTFs simulates TFFilesPerSTF time frames from one ready STF. Each TF
// size is the configured fraction of the STF size with gaussian jitter
// (sigma 10%).
func SampleTFs(stf *testbed.STFReady, p Params, rnd *rand.Rand, agentName string) []TFSample {
	samples := make([]TFSample, 0, p.TFFilesPerSTF)
	for i := 0; i < p.TFFilesPerSTF; i++ {
		seq := p.TFSequenceStart + i
		size := int64(float64(stf.SizeBytes) * p.TFSizeFraction * (1.0 + 0.1*rnd.NormFloat64()))
		if size < 0 {
			size = 0
		}
		samples = append(samples, TFSample{
			TFFilename:     TFSampleFilename(stf.Filename, seq),
			FileSizeBytes:  size,
			SequenceNumber: seq,
			Metadata: map[string]any{
				"simulation":       true,
				"created_from":     stf.Filename,
				"tf_size_fraction": p.TFSizeFraction,
				"agent_name":       agentName,
				"state":            stf.State,
				"substate":         stf.Substate,
				"start":            stf.Start,
				"end":              stf.End,
			},
		})
	}
	return samples
}
