package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/limits"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// hostDeadlineSlack is added on top of the guest's own elapsed-time limit
// so the well-behaved guest path always wins the timeout race and produces
// a structured error rather than a transport reset (spec.md §9).
const hostDeadlineSlack = 2 * time.Second

// guestTimeoutPhrase is the case-insensitive substring the evaluator's
// error message contains when its own elapsed-time limit fired.
const guestTimeoutPhrase = "elapsed time limit"

type evalRequest struct {
	Code string `json:"code"`
}

type evalResponse struct {
	Output      string  `json:"output"`
	Result      string  `json:"result"`
	Error       string  `json:"error"`
	ElapsedSecs float64 `json:"elapsed_secs"`
}

// PersistentTransport talks to the in-guest evaluator over a fixed RPC
// port, opening a fresh connection per call.
type PersistentTransport struct {
	HostPort    int
	DialTimeout time.Duration
}

// NewPersistentTransport builds a transport bound to the session's
// discovered evaluator host port.
func NewPersistentTransport(hostPort int) *PersistentTransport {
	return &PersistentTransport{HostPort: hostPort, DialTimeout: 5 * time.Second}
}

// Execute wraps code in the output-capturing, time-limited harness,
// evaluates it over a single request/response round trip, and returns the
// evaluator's structured outcome.
func (t *PersistentTransport) Execute(ctx context.Context, code string, lim limits.ExecutionLimits) (*types.ExecOutcome, error) {
	addr := fmt.Sprintf("localhost:%d", t.HostPort)
	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, types.NewRetryableError(types.CodeTransportError, "failed to connect to guest evaluator").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	defer conn.Close()

	deadline := time.Now().Add(durationFromSecs(lim.MaxDurationSecs) + hostDeadlineSlack)
	_ = conn.SetDeadline(deadline)

	wrapped := wrapHarness(code, lim.MaxDurationSecs)
	if err := json.NewEncoder(conn).Encode(evalRequest{Code: wrapped}); err != nil {
		return nil, types.NewRetryableError(types.CodeTransportError, "failed to send code to guest evaluator").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	var resp evalResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, types.NewSandboxError(types.CodeExecutionTimeout, "execution timed out")
		}
		return nil, types.NewRetryableError(types.CodeTransportError, "failed to read guest evaluator response").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	return &types.ExecOutcome{
		Output:      resp.Output,
		Result:      resp.Result,
		ErrorMsg:    resp.Error,
		ElapsedSecs: resp.ElapsedSecs,
	}, nil
}

// ClassifyGuestError maps an evaluator-reported error message to the
// error envelope code: execution_timeout when the guest's own elapsed-time
// limit fired, execution_error otherwise.
func ClassifyGuestError(msg string) string {
	if strings.Contains(strings.ToLower(msg), guestTimeoutPhrase) {
		return types.CodeExecutionTimeout
	}
	return types.CodeExecutionError
}

// wrapHarness builds the fixed R harness: redirect stdout/stderr into an
// in-memory sink, install an elapsed-time limit, evaluate the user code
// inside tryCatch, and always tear the sink and limit back down.
func wrapHarness(code string, maxDurationSecs float64) string {
	return fmt.Sprintf(`
local({
  .omcp_start <- Sys.time()
  .omcp_error <- NULL
  .omcp_con <- textConnection("captured_output", "w", local = TRUE)
  sink(.omcp_con)
  sink(.omcp_con, type = "message")
  setTimeLimit(elapsed = %f, transient = TRUE)
  result <- tryCatch({
    %s
  }, error = function(e) {
    .omcp_error <<- as.character(e)
    NULL
  }, finally = {
    setTimeLimit(elapsed = Inf, transient = FALSE)
    sink(type = "message")
    sink()
    close(.omcp_con)
  })
  elapsed <- as.numeric(difftime(Sys.time(), .omcp_start, units = "secs"))
  list(output = paste(captured_output, collapse = "\n"), result = result, error = .omcp_error, elapsed_secs = elapsed)
})`, maxDurationSecs, code)
}
