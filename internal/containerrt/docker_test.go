//go:build integration
// +build integration

package containerrt

import (
	"context"
	"testing"
	"time"
)

// These tests require a running Docker daemon.
// Run with: go test -tags=integration ./internal/containerrt/...

func skipIfNoDocker(t *testing.T) *DockerRuntime {
	rt, err := New(Config{})
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	return rt
}

func TestDockerRuntime_RunExecRemove(t *testing.T) {
	rt := skipIfNoDocker(t)
	defer rt.Close()

	ctx := context.Background()
	info, err := rt.Run(ctx, HardeningSpec{
		Name:            "omcp-test-run-exec-remove",
		Image:           "alpine:latest",
		Cmd:             []string{"sleep", "infinity"},
		NetworkMode:     "none",
		User:            "1000",
		ReadOnlyRootfs:  true,
		CapDropAll:      true,
		NoNewPrivileges: true,
		Tmpfs:           map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer rt.Remove(ctx, info.ID)

	outcome, err := rt.Exec(ctx, info.ID, []string{"/bin/echo", "hello"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", outcome.ExitCode)
	}
}

func TestDockerRuntime_GuestPortDiscovery(t *testing.T) {
	rt := skipIfNoDocker(t)
	defer rt.Close()

	ctx := context.Background()
	info, err := rt.Run(ctx, HardeningSpec{
		Name:        "omcp-test-port-discovery",
		Image:       "alpine:latest",
		Cmd:         []string{"sleep", "infinity"},
		NetworkMode: "bridge",
		GuestPort:   "6311/tcp",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer rt.Remove(ctx, info.ID)

	if info.HostPort == 0 {
		t.Error("expected a non-zero discovered host port")
	}
}
