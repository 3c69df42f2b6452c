package fastproc

import "github.com/eic-swf/testbed"

// DefaultTFsPerSTF is the number of time frames assumed per super time
// frame when the configuration does not say otherwise.
const DefaultTFsPerSTF = 1000

// Slice is one TF range of an STF, destined for a transformer worker.
type Slice struct {
	SliceID    int
	TFFirst    int
	TFLast     int
	TFCount    int
	TFFilename string
}

// CreateTFSlices partitions an STF into count slices of tfsPerSTF/count
// time frames each (integer division); the last slice absorbs the
// remainder. Slice filenames replace the .stf extension with
// _slice_<NNN>.tf.
func CreateTFSlices(stfFilename string, count, tfsPerSTF int) []Slice {
	if count <= 0 || tfsPerSTF <= 0 {
		return nil
	}
	if count > tfsPerSTF {
		count = tfsPerSTF
	}
	per := tfsPerSTF / count
	slices := make([]Slice, 0, count)
	for i := 0; i < count; i++ {
		first := i * per
		last := (i+1)*per - 1
		if i == count-1 {
			last = tfsPerSTF - 1
		}
		slices = append(slices, Slice{
			SliceID:    i,
			TFFirst:    first,
			TFLast:     last,
			TFCount:    last - first + 1,
			TFFilename: testbed.SliceFilename(stfFilename, i),
		})
	}
	return slices
}
