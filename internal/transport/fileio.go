package transport

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/containerrt"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// FileIO implements the file get/put and directory-listing primitives of
// spec.md §4.D, shared by both guest transport backends.
type FileIO struct {
	Runtime containerrt.Runtime
}

// ListFiles runs a guest `ls -F` at absPath and parses its output into
// entries, treating a trailing "/" as the directory marker.
func (f *FileIO) ListFiles(ctx context.Context, containerID, absPath string) ([]types.FileEntry, error) {
	outcome, err := f.Runtime.Exec(ctx, containerID, []string{"ls", "-F", absPath}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if outcome.ExitCode != 0 {
		return nil, types.NewRetryableError(types.CodeListFilesFail, "failed to list files").
			WithDetails(map[string]interface{}{"reason": outcome.Output})
	}

	var entries []types.FileEntry
	for _, line := range splitLines(outcome.Output) {
		if line == "" {
			continue
		}
		isDir := hasSuffix(line, "/")
		name := line
		if isDir {
			name = line[:len(line)-1]
		}
		entries = append(entries, types.FileEntry{
			Name:  name,
			IsDir: isDir,
			Path:  path.Join(absPath, name),
		})
	}
	return entries, nil
}

// ReadFile fetches absPath as a single-entry tar archive, extracts it, and
// returns its bytes decoded as UTF-8 with replacement for invalid
// sequences, rejecting anything over maxBytes.
func (f *FileIO) ReadFile(ctx context.Context, containerID, absPath string, maxBytes int) (string, error) {
	rc, err := f.Runtime.GetArchive(ctx, containerID, absPath)
	if err != nil {
		return "", types.NewRetryableError(types.CodeReadFileFail, "failed to read file").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		return "", types.NewRetryableError(types.CodeReadFileFail, "failed to read archive entry").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	if hdr.Size > int64(maxBytes) {
		return "", types.NewSandboxError(types.CodeFileTooLarge, "file exceeds max_file_read_bytes")
	}

	data, err := io.ReadAll(tr)
	if err != nil {
		return "", types.NewRetryableError(types.CodeReadFileFail, "failed to read archive contents").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	return toValidUTF8(data), nil
}

// WriteFile ensures absPath's parent directory exists, then puts a
// single-entry tar archive carrying content at that directory.
func (f *FileIO) WriteFile(ctx context.Context, containerID, absPath, content string, maxBytes int) error {
	data := []byte(content)
	if len(data) > maxBytes {
		return types.NewSandboxError(types.CodeFileTooLarge, "content exceeds max_file_write_bytes")
	}

	dir := path.Dir(absPath)
	base := path.Base(absPath)

	if _, err := f.Runtime.Exec(ctx, containerID, []string{"mkdir", "-p", dir}, 10*time.Second); err != nil {
		return types.NewRetryableError(types.CodeWriteFileFail, "failed to create parent directory").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    base,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return types.NewRetryableError(types.CodeWriteFileFail, "failed to build archive header").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	if _, err := tw.Write(data); err != nil {
		return types.NewRetryableError(types.CodeWriteFileFail, "failed to build archive body").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	if err := tw.Close(); err != nil {
		return types.NewRetryableError(types.CodeWriteFileFail, "failed to finalize archive").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	if err := f.Runtime.PutArchive(ctx, containerID, dir, &buf); err != nil {
		return types.NewRetryableError(types.CodeWriteFileFail, "failed to put archive").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func toValidUTF8(data []byte) string {
	return string(bytes.ToValidUTF8(data, []byte("�")))
}
