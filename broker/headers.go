package broker

import (
	"strconv"

	"github.com/eic-swf/testbed"
)

// SliceTTLMillis is the time-to-live on persistent slice messages: 12 hours.
const SliceTTLMillis = 43200000

const virtualOrg = "eic"

// SliceHeaders builds the headers for a persistent slice work message.
func SliceHeaders(runID int64) map[string]string {
	return map[string]string{
		"persistent": "true",
		"ttl":        strconv.Itoa(SliceTTLMillis),
		"vo":         virtualOrg,
		"msg_type":   testbed.MsgSlice,
		"run_id":     strconv.FormatInt(runID, 10),
	}
}

// BroadcastHeaders builds the headers for a non-persistent control or
// lifecycle broadcast.
func BroadcastHeaders(msgType, namespace string, runID int64) map[string]string {
	h := map[string]string{
		"persistent": "false",
		"vo":         virtualOrg,
		"msg_type":   msgType,
	}
	if namespace != "" {
		h["namespace"] = namespace
	}
	if runID != 0 {
		h["run_id"] = strconv.FormatInt(runID, 10)
	}
	return h
}
