package v1

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"ok hello", Envelope{V: Version, Type: TypeHello}, ""},
		{"ok event", Envelope{V: Version, Type: TypeEvent}, ""},
		{"missing version", Envelope{Type: TypeHello}, "missing field: v"},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, "unsupported protocol version"},
		{"missing type", Envelope{V: Version}, "missing field: type"},
		{"unknown type", Envelope{V: Version, Type: "message_send"}, "unknown type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate err=%v want contains %q", err, tc.wantErr)
			}
		})
	}
}

func TestHistoryFetchPayload_AfterSeqOptional(t *testing.T) {
	t.Parallel()

	var p HistoryFetchPayload
	if err := json.Unmarshal([]byte(`{"session_id":"s1","limit":10}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AfterSeq != nil {
		t.Fatalf("AfterSeq=%v want nil", *p.AfterSeq)
	}

	if err := json.Unmarshal([]byte(`{"session_id":"s1","after_seq":0}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AfterSeq == nil || *p.AfterSeq != 0 {
		t.Fatalf("AfterSeq=%v want 0", p.AfterSeq)
	}
}
