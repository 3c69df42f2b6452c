package testbed

import (
	"encoding/json"
	"testing"
)

func TestDecodeMessageNamespaceFilter(t *testing.T) {
	body := []byte(`{"msg_type":"stf_gen","namespace":"alice","filename":"swf.1.000001.stf"}`)

	env, typ, ok := DecodeMessage(body, "alice", nopLogger)
	if !ok {
		t.Fatal("own-namespace message dropped")
	}
	if typ != MsgSTFGen || env.Namespace != "alice" {
		t.Errorf("got type %q namespace %q", typ, env.Namespace)
	}

	if _, _, ok := DecodeMessage(body, "bob", nopLogger); ok {
		t.Error("foreign-namespace message not dropped")
	}

	// Messages without a namespace pass (control plane, legacy senders).
	bare := []byte(`{"msg_type":"status_request"}`)
	if _, _, ok := DecodeMessage(bare, "bob", nopLogger); !ok {
		t.Error("namespace-less message dropped")
	}
}

func TestDecodeMessageBadBody(t *testing.T) {
	if _, _, ok := DecodeMessage([]byte("not json"), "", nopLogger); ok {
		t.Error("unparseable body accepted")
	}
}

func TestDecodeMessageUnknownTypeStillDelivered(t *testing.T) {
	body := []byte(`{"msg_type":"mystery"}`)
	_, typ, ok := DecodeMessage(body, "", nopLogger, MsgSTFGen, MsgEndRun)
	if !ok || typ != "mystery" {
		t.Errorf("unknown type dropped: ok=%v type=%q", ok, typ)
	}
}

func TestSliceResultDone(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"state done", `{"msg_type":"slice_result","content":{"state":"done"}}`, true},
		{"inner processed", `{"msg_type":"slice_result","content":{"result":{"result":{"slice_id":3,"processed":true}}}}`, true},
		{"inner unprocessed", `{"msg_type":"slice_result","content":{"state":"running","result":{"result":{"slice_id":3,"processed":false}}}}`, false},
		{"empty", `{"msg_type":"slice_result","content":{}}`, false},
		{"malformed result", `{"msg_type":"slice_result","content":{"result":[1,2]}}`, false},
	}
	for _, tc := range cases {
		var r SliceResult
		if err := json.Unmarshal([]byte(tc.body), &r); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		if got := r.Done(); got != tc.want {
			t.Errorf("%s: Done = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSliceResultInner(t *testing.T) {
	body := `{"content":{"result":{"result":{"slice_id":7,"tf_filename":"a_slice_007.tf","processed":true}}}}`
	var r SliceResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatal(err)
	}
	inner := r.Inner()
	if inner == nil || inner.SliceID == nil || *inner.SliceID != 7 {
		t.Fatalf("Inner = %+v", inner)
	}
	if inner.TFFilename != "a_slice_007.tf" {
		t.Errorf("TFFilename = %q", inner.TFFilename)
	}
}

func TestAgentControlQueue(t *testing.T) {
	if got := AgentControlQueue("wenauseic"); got != "/queue/agent_control.wenauseic" {
		t.Errorf("AgentControlQueue = %q", got)
	}
}

func TestEnvelopeWireTags(t *testing.T) {
	env := Envelope{
		MsgType:        MsgStartRun,
		Namespace:      "alice",
		Timestamp:      "2026-08-24T00:00:00Z",
		ExecutionID:    "stf_datataking-alice-0001",
		RunID:          100001,
		SimulationTick: 12.5,
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"msg_type", "namespace", "timestamp", "execution_id", "run_id", "simulation_tick"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing wire field %q in %s", key, b)
		}
	}
}
