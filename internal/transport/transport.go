// Package transport implements the two Guest Transport backends of
// spec.md §4.D: a stateless one-shot exec into the container, and a
// persistent RPC to an in-guest evaluator, plus tar-based file get/put
// shared by both.
package transport

import (
	"context"

	"github.com/ajaxzhan/omcp-sandbox/internal/limits"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// GuestTransport is the small interface the Session Manager holds one
// instance of per session, chosen at creation time from configuration.
type GuestTransport interface {
	Execute(ctx context.Context, code string, lim limits.ExecutionLimits) (*types.ExecOutcome, error)
}
