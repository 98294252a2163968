package transport

import (
	"context"
	"io"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/containerrt"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// fakeRuntime is a hook-based stand-in for containerrt.Runtime, in the
// teacher's mock.go style: each method delegates to an optional function
// field, falling back to a harmless default when unset.
type fakeRuntime struct {
	OnExec       func(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error)
	OnGetArchive func(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	OnPutArchive func(ctx context.Context, containerID, path string, r io.Reader) error
}

var _ containerrt.Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) Run(ctx context.Context, spec containerrt.HardeningSpec) (*containerrt.ContainerInfo, error) {
	return &containerrt.ContainerInfo{ID: "fake"}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error) {
	if f.OnExec != nil {
		return f.OnExec(ctx, containerID, argv, timeout)
	}
	return &types.ExecOutcome{}, nil
}

func (f *fakeRuntime) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	if f.OnGetArchive != nil {
		return f.OnGetArchive(ctx, containerID, path)
	}
	return nil, nil
}

func (f *fakeRuntime) PutArchive(ctx context.Context, containerID, path string, r io.Reader) error {
	if f.OnPutArchive != nil {
		return f.OnPutArchive(ctx, containerID, path, r)
	}
	return nil
}

func (f *fakeRuntime) Close() error { return nil }
