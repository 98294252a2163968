package limits

import (
	"testing"

	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

var testDefaults = Defaults{MaxDurationSecs: 30, MaxOutputBytes: 65536}

func TestParse_NilUsesDefaults(t *testing.T) {
	got, err := Parse(nil, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MaxDurationSecs != testDefaults.MaxDurationSecs || got.MaxOutputBytes != testDefaults.MaxOutputBytes {
		t.Errorf("got %+v, want defaults %+v", got, testDefaults)
	}
}

func TestParse_OverridesFields(t *testing.T) {
	payload := map[string]interface{}{"max_duration_secs": 5.0, "max_output_bytes": 1024}
	got, err := Parse(payload, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MaxDurationSecs != 5 || got.MaxOutputBytes != 1024 {
		t.Errorf("got %+v, want {5 1024}", got)
	}
}

func TestParse_RejectsNonPositive(t *testing.T) {
	tests := []map[string]interface{}{
		{"max_duration_secs": 0.0},
		{"max_duration_secs": -1.0},
		{"max_output_bytes": 0},
		{"max_output_bytes": -5},
	}
	for _, payload := range tests {
		_, err := Parse(payload, testDefaults)
		if err == nil {
			t.Errorf("Parse(%v) expected error, got nil", payload)
			continue
		}
		se, ok := types.AsSandboxError(err)
		if !ok || se.Code != types.CodeInvalidLimits {
			t.Errorf("Parse(%v) error = %v, want invalid_limits", payload, err)
		}
	}
}

func TestParse_RejectsNonNumeric(t *testing.T) {
	_, err := Parse(map[string]interface{}{"max_duration_secs": "soon"}, testDefaults)
	if err == nil {
		t.Fatal("expected error for non-numeric max_duration_secs")
	}
}

func TestParseRaw_RejectsNonObject(t *testing.T) {
	_, err := ParseRaw("not-a-map", testDefaults)
	if err == nil {
		t.Fatal("expected error for non-object payload")
	}
	se, ok := types.AsSandboxError(err)
	if !ok || se.Code != types.CodeInvalidLimits {
		t.Fatalf("error = %v, want invalid_limits", err)
	}
	if se.Details["received_type"] != "string" {
		t.Errorf("details.received_type = %v, want string", se.Details["received_type"])
	}
}

func TestParseRaw_NilPayload(t *testing.T) {
	got, err := ParseRaw(nil, testDefaults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != (ExecutionLimits{MaxDurationSecs: testDefaults.MaxDurationSecs, MaxOutputBytes: testDefaults.MaxOutputBytes}) {
		t.Errorf("got %+v, want defaults", got)
	}
}
