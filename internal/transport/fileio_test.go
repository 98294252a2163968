package transport

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

func buildTarArchive(t *testing.T, name string, content []byte) io.ReadCloser {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0644, ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return io.NopCloser(&buf)
}

func TestFileIO_ReadFile_Success(t *testing.T) {
	rt := &fakeRuntime{
		OnGetArchive: func(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
			return buildTarArchive(t, "notes.txt", []byte("hello world")), nil
		},
	}
	fio := &FileIO{Runtime: rt}

	content, err := fio.ReadFile(context.Background(), "c1", "/sandbox/notes.txt", 1024)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if content != "hello world" {
		t.Errorf("content = %q, want %q", content, "hello world")
	}
}

func TestFileIO_ReadFile_TooLarge(t *testing.T) {
	rt := &fakeRuntime{
		OnGetArchive: func(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
			return buildTarArchive(t, "big.bin", make([]byte, 100)), nil
		},
	}
	fio := &FileIO{Runtime: rt}

	_, err := fio.ReadFile(context.Background(), "c1", "/sandbox/big.bin", 10)
	se, ok := types.AsSandboxError(err)
	if !ok {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	if se.Code != types.CodeFileTooLarge {
		t.Errorf("Code = %q, want %q", se.Code, types.CodeFileTooLarge)
	}
}

func TestFileIO_ReadFile_InvalidUTF8IsReplaced(t *testing.T) {
	rt := &fakeRuntime{
		OnGetArchive: func(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
			return buildTarArchive(t, "bin.dat", []byte{0xff, 0xfe, 'o', 'k'}), nil
		},
	}
	fio := &FileIO{Runtime: rt}

	content, err := fio.ReadFile(context.Background(), "c1", "/sandbox/bin.dat", 1024)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasSuffix(content, "ok") {
		t.Errorf("content = %q, want suffix %q", content, "ok")
	}
}

func TestFileIO_WriteFile_RejectsOversizedContent(t *testing.T) {
	fio := &FileIO{Runtime: &fakeRuntime{}}
	err := fio.WriteFile(context.Background(), "c1", "/sandbox/out.txt", strings.Repeat("x", 100), 10)
	se, ok := types.AsSandboxError(err)
	if !ok {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	if se.Code != types.CodeFileTooLarge {
		t.Errorf("Code = %q, want %q", se.Code, types.CodeFileTooLarge)
	}
}

func TestFileIO_WriteFile_CreatesParentThenPuts(t *testing.T) {
	var mkdirArgv []string
	var putPath string
	var putContent []byte

	rt := &fakeRuntime{
		OnExec: func(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error) {
			mkdirArgv = argv
			return &types.ExecOutcome{ExitCode: 0}, nil
		},
		OnPutArchive: func(ctx context.Context, containerID, path string, r io.Reader) error {
			putPath = path
			tr := tar.NewReader(r)
			hdr, err := tr.Next()
			if err != nil {
				t.Fatalf("tar.Next: %v", err)
			}
			if hdr.Name != "out.txt" {
				t.Errorf("archive entry name = %q, want %q", hdr.Name, "out.txt")
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			putContent = data
			return nil
		},
	}
	fio := &FileIO{Runtime: rt}

	if err := fio.WriteFile(context.Background(), "c1", "/sandbox/sub/out.txt", "hello", 1024); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if len(mkdirArgv) != 3 || mkdirArgv[0] != "mkdir" || mkdirArgv[2] != "/sandbox/sub" {
		t.Errorf("mkdir argv = %v, want [mkdir -p /sandbox/sub]", mkdirArgv)
	}
	if putPath != "/sandbox/sub" {
		t.Errorf("putPath = %q, want %q", putPath, "/sandbox/sub")
	}
	if string(putContent) != "hello" {
		t.Errorf("putContent = %q, want %q", putContent, "hello")
	}
}

func TestFileIO_ListFiles_ParsesDirMarkers(t *testing.T) {
	rt := &fakeRuntime{
		OnExec: func(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error) {
			return &types.ExecOutcome{ExitCode: 0, Output: "a.txt\nsubdir/\n"}, nil
		},
	}
	fio := &FileIO{Runtime: rt}

	entries, err := fio.ListFiles(context.Background(), "c1", "/sandbox")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Name != "a.txt" || entries[0].IsDir {
		t.Errorf("entries[0] = %+v, want a.txt file", entries[0])
	}
	if entries[1].Name != "subdir" || !entries[1].IsDir {
		t.Errorf("entries[1] = %+v, want subdir dir", entries[1])
	}
}

func TestFileIO_ListFiles_NonZeroExit(t *testing.T) {
	rt := &fakeRuntime{
		OnExec: func(ctx context.Context, containerID string, argv []string, timeout time.Duration) (*types.ExecOutcome, error) {
			return &types.ExecOutcome{ExitCode: 2, Output: "No such file or directory"}, nil
		},
	}
	fio := &FileIO{Runtime: rt}

	_, err := fio.ListFiles(context.Background(), "c1", "/sandbox/missing")
	se, ok := types.AsSandboxError(err)
	if !ok {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	if se.Code != types.CodeListFilesFail {
		t.Errorf("Code = %q, want %q", se.Code, types.CodeListFilesFail)
	}
}
