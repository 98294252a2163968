package transport

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/limits"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// fakeEvaluator accepts a single connection, decodes one evalRequest, and
// replies with a canned evalResponse (or closes without replying, to
// exercise the timeout path).
func fakeEvaluator(t *testing.T, respond func(req evalRequest) (evalResponse, bool)) (hostPort int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake evaluator: %v", err)
	}
	done := make(chan struct{})
	release := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req evalRequest
		if err := json.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		resp, shouldReply := respond(req)
		if !shouldReply {
			<-release // block until test tears us down via stop(), forcing a client-side timeout
			return
		}
		_ = json.NewEncoder(conn).Encode(resp)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.Port, func() { ln.Close(); close(release) }
}

func TestPersistentTransport_Execute_Success(t *testing.T) {
	port, stop := fakeEvaluator(t, func(req evalRequest) (evalResponse, bool) {
		return evalResponse{Output: "hi", Result: "NULL", ElapsedSecs: 0.01}, true
	})
	defer stop()

	tr := NewPersistentTransport(port)
	outcome, err := tr.Execute(context.Background(), "cat('hi')", limits.ExecutionLimits{MaxDurationSecs: 5, MaxOutputBytes: 1024})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.Output != "hi" {
		t.Errorf("Output = %q, want %q", outcome.Output, "hi")
	}
}

func TestPersistentTransport_Execute_EvaluatorError(t *testing.T) {
	port, stop := fakeEvaluator(t, func(req evalRequest) (evalResponse, bool) {
		return evalResponse{Error: "object 'x' not found"}, true
	})
	defer stop()

	tr := NewPersistentTransport(port)
	outcome, err := tr.Execute(context.Background(), "print(x)", limits.ExecutionLimits{MaxDurationSecs: 5, MaxOutputBytes: 1024})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.ErrorMsg == "" {
		t.Error("expected a non-empty ErrorMsg")
	}
	if code := ClassifyGuestError(outcome.ErrorMsg); code != types.CodeExecutionError {
		t.Errorf("ClassifyGuestError() = %q, want %q", code, types.CodeExecutionError)
	}
}

func TestPersistentTransport_Execute_DialFailure(t *testing.T) {
	tr := NewPersistentTransport(1) // nothing listens on port 1
	tr.DialTimeout = 200 * time.Millisecond
	_, err := tr.Execute(context.Background(), "1+1", limits.ExecutionLimits{MaxDurationSecs: 1, MaxOutputBytes: 1024})
	se, ok := types.AsSandboxError(err)
	if !ok {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	if !se.Retryable || se.Code != types.CodeTransportError {
		t.Errorf("got code=%q retryable=%v, want %q retryable=true", se.Code, se.Retryable, types.CodeTransportError)
	}
}

func TestClassifyGuestError(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"reached elapsed time limit", types.CodeExecutionTimeout},
		{"Elapsed Time Limit Reached", types.CodeExecutionTimeout},
		{"object 'x' not found", types.CodeExecutionError},
	}
	for _, c := range cases {
		if got := ClassifyGuestError(c.msg); got != c.want {
			t.Errorf("ClassifyGuestError(%q) = %q, want %q", c.msg, got, c.want)
		}
	}
}

func TestWrapHarness_EmbedsCodeAndLimit(t *testing.T) {
	wrapped := wrapHarness("cat('x')", 7.5)
	if !strings.Contains(wrapped, "cat('x')") {
		t.Error("expected wrapped harness to contain the user code verbatim")
	}
	if !strings.Contains(wrapped, "setTimeLimit(elapsed = 7.500000") {
		t.Errorf("expected setTimeLimit to embed the duration, got: %s", wrapped)
	}
}

// TestWrapHarness_ErrorPathHoistsTopLevelError guards against regressing to
// a harness that nests a caught error inside result instead of surfacing it
// as the flat top-level error field evalResponse.Error expects.
func TestWrapHarness_ErrorPathHoistsTopLevelError(t *testing.T) {
	wrapped := wrapHarness("stop('boom')", 5)

	finalList := wrapped[strings.LastIndex(wrapped, "list(output"):]
	if !strings.Contains(finalList, "error = .omcp_error") {
		t.Errorf("expected the final list() to carry a top-level error field bound to .omcp_error, got: %s", finalList)
	}

	errorHandler := wrapped[strings.Index(wrapped, "function(e)"):strings.Index(wrapped, "}, finally")]
	if !strings.Contains(errorHandler, ".omcp_error <<- as.character(e)") {
		t.Errorf("expected the tryCatch error handler to assign .omcp_error in the enclosing scope, got: %s", errorHandler)
	}
	if strings.Contains(errorHandler, "list(error") {
		t.Error("error handler must not nest the error inside result; it must be hoisted to the outer list")
	}
}

func TestPersistentTransport_DeadlineIncludesSlack(t *testing.T) {
	if hostDeadlineSlack < time.Second {
		t.Errorf("hostDeadlineSlack = %v, want >= 1s", hostDeadlineSlack)
	}
}
