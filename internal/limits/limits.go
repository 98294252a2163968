// Package limits parses and validates per-call execution limit overrides,
// falling back to configured defaults.
package limits

import (
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// ExecutionLimits is immutable after construction and passed by value down
// the execution path.
type ExecutionLimits struct {
	MaxDurationSecs float64
	MaxOutputBytes  int
}

// Defaults holds the server-wide fallback limits used when a call omits an
// override.
type Defaults struct {
	MaxDurationSecs float64
	MaxOutputBytes  int
}

// Parse builds an ExecutionLimits from an optional caller-supplied payload.
// A nil payload yields defaults unchanged. A field that fails numeric
// coercion or range validation returns invalid_limits. Payloads of unknown
// shape go through ParseRaw, which rejects a non-object payload first.
func Parse(payload map[string]interface{}, defaults Defaults) (ExecutionLimits, error) {
	if payload == nil {
		return ExecutionLimits{
			MaxDurationSecs: defaults.MaxDurationSecs,
			MaxOutputBytes:  defaults.MaxOutputBytes,
		}, nil
	}

	duration, err := numericField(payload, "max_duration_secs", defaults.MaxDurationSecs)
	if err != nil {
		return ExecutionLimits{}, err
	}
	if duration <= 0 {
		return ExecutionLimits{}, types.NewSandboxError(types.CodeInvalidLimits, "max_duration_secs must be > 0")
	}

	outputBytes, err := numericField(payload, "max_output_bytes", float64(defaults.MaxOutputBytes))
	if err != nil {
		return ExecutionLimits{}, err
	}
	if outputBytes <= 0 {
		return ExecutionLimits{}, types.NewSandboxError(types.CodeInvalidLimits, "max_output_bytes must be > 0")
	}

	return ExecutionLimits{
		MaxDurationSecs: duration,
		MaxOutputBytes:  int(outputBytes),
	}, nil
}

// ParseRaw validates that payload (of unknown shape) is an object before
// handing it to Parse, mirroring the non-dict check the spec requires to
// happen first.
func ParseRaw(payload interface{}, defaults Defaults) (ExecutionLimits, error) {
	if payload == nil {
		return Parse(nil, defaults)
	}
	m, ok := payload.(map[string]interface{})
	if !ok {
		return ExecutionLimits{}, types.NewSandboxError(types.CodeInvalidLimits, "limits must be an object").
			WithDetails(map[string]interface{}{"received_type": goType(payload)})
	}
	return Parse(m, defaults)
}

func numericField(payload map[string]interface{}, key string, fallback float64) (float64, error) {
	raw, present := payload[key]
	if !present {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, types.NewSandboxError(types.CodeInvalidLimits, key+" must be a number")
	}
}

func goType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case []interface{}:
		return "array"
	default:
		return "unknown"
	}
}
