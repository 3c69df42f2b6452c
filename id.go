package testbed

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InstanceName builds the deterministic agent instance name
// <agent_type_lower>-agent-<suffix>.
func InstanceName(agentType, suffix string) string {
	return fmt.Sprintf("%s-agent-%s", strings.ToLower(agentType), suffix)
}

// ExecutionID formats a workflow execution identifier
// <workflow_name>-<username>-<NNNN> from a monotonic per-workflow sequence.
func ExecutionID(workflow, username string, sequence int) string {
	return fmt.Sprintf("%s-%s-%04d", workflow, username, sequence)
}

// STFFilename names the Nth super time frame of a run:
// swf.<run_id>.<NNNNNN>.stf with a 6-digit zero-padded sequence.
func STFFilename(runID int64, sequence int) string {
	return fmt.Sprintf("swf.%d.%06d.stf", runID, sequence)
}

// SliceFilename names the TF slice file for slice i of an STF, replacing the
// .stf extension: <stf_base>_slice_<NNN>.tf.
func SliceFilename(stfFilename string, slice int) string {
	base := strings.TrimSuffix(stfFilename, ".stf")
	return fmt.Sprintf("%s_slice_%03d.tf", base, slice)
}

// NewReqID generates the unique request id carried by slice messages.
func NewReqID() string {
	return uuid.NewString()
}
