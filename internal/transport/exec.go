package transport

import (
	"context"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/containerrt"
	"github.com/ajaxzhan/omcp-sandbox/internal/limits"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// Language identifies the guest kernel binary a stateless session invokes.
type Language string

const (
	LanguagePython Language = "python"
	LanguageR      Language = "r"
)

// StatelessTransport runs code as a one-shot container exec. The code body
// is always passed as a single argv element, never interpolated into a
// shell string, so no escaping is required.
type StatelessTransport struct {
	Runtime     containerrt.Runtime
	ContainerID string
	Language    Language
}

// Execute invokes the kernel binary with code as a literal argument and
// reports its exit status as the outcome.
func (t *StatelessTransport) Execute(ctx context.Context, code string, lim limits.ExecutionLimits) (*types.ExecOutcome, error) {
	argv := kernelArgv(t.Language, code)
	timeout := durationFromSecs(lim.MaxDurationSecs)

	outcome, err := t.Runtime.Exec(ctx, t.ContainerID, argv, timeout)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func kernelArgv(lang Language, code string) []string {
	switch lang {
	case LanguageR:
		return []string{"Rscript", "-e", code}
	default:
		return []string{"python3", "-c", code}
	}
}

func durationFromSecs(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
