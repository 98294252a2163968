// Package containerrt defines the narrow container-runtime capability the
// Session Manager depends on (spec.md §6.3): run with hardening, stop,
// remove, exec with argv, and tar-based archive get/put. Any daemon
// exposing these primitives satisfies the interface; this package's own
// implementation targets Docker.
package containerrt

import (
	"context"
	"io"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// BindMount describes a host directory bound read-write into the guest at
// the sandbox root.
type BindMount struct {
	Source string
	Target string
}

// HardeningSpec carries every security-relevant knob a session's container
// must be created with (spec.md §4.E step 5).
type HardeningSpec struct {
	Name  string
	Image string
	// Cmd is the foreground command: a no-op ("sleep", "infinity") for the
	// stateless backend, or nil to use the image's own entrypoint (the
	// persistent backend's evaluator launcher).
	Cmd []string
	Env []string

	WorkingDir string

	// NetworkMode is "none" for stateless sessions, "bridge" for
	// persistent sessions that need DB/evaluator-port access.
	NetworkMode string
	ExtraHosts  []string

	MemoryBytes int64
	CPUPeriod   int64
	CPUQuota    int64
	PidsLimit   int64

	User            string
	ReadOnlyRootfs  bool
	CapDropAll      bool
	NoNewPrivileges bool

	// Tmpfs maps a mount path to its mount options string, e.g.
	// "rw,noexec,nosuid,size=100m".
	Tmpfs map[string]string
	Bind  *BindMount

	// GuestPort, if non-empty (e.g. "6311/tcp"), is published to an
	// ephemeral host port for the persistent backend's evaluator.
	GuestPort string

	Labels map[string]string
}

// ContainerInfo is what Run reports back about a live container.
type ContainerInfo struct {
	ID string
	// HostPort is the ephemeral host port bound to GuestPort, or 0 if the
	// spec didn't request one.
	HostPort int
}

// Runtime is the capability the Session Manager depends on. It has no
// notion of "sessions" — that bookkeeping lives entirely in
// internal/manager.
type Runtime interface {
	// Run creates and starts a container per spec, returning its id and
	// (for persistent backends) its discovered host port.
	Run(ctx context.Context, spec HardeningSpec) (*ContainerInfo, error)
	// Stop stops a running container with a short grace period.
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	// Remove force-removes a container and its volumes.
	Remove(ctx context.Context, containerID string) error
	// Exec runs argv inside containerID and returns its captured output.
	// timeout bounds the call; exceeding it yields a SandboxError with
	// code execution_timeout.
	Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error)
	// GetArchive fetches a tar stream rooted at path inside the container.
	GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	// PutArchive extracts the tar stream r into path inside the container.
	PutArchive(ctx context.Context, containerID, path string, r io.Reader) error
	// Close releases any client-level resources held by the runtime.
	Close() error
}
