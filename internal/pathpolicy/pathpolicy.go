// Package pathpolicy validates and canonicalizes guest-relative paths
// against the fixed sandbox root, blocking traversal outside it before any
// container call is made.
package pathpolicy

import (
	"path"
	"strings"

	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
)

// SandboxRoot is the canonical guest path under which all user-visible
// paths must resolve.
const SandboxRoot = "/sandbox"

// Normalize validates raw and returns its normalized absolute guest path.
// It never invokes the container; callers must run this before touching
// the guest.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", types.NewSandboxError(types.CodeInvalidPath, "path must be a non-empty string")
	}

	candidate := trimmed
	if !strings.HasPrefix(candidate, "/") {
		candidate = SandboxRoot + "/" + candidate
	}

	normalized := path.Clean(candidate)
	if normalized == SandboxRoot || strings.HasPrefix(normalized, SandboxRoot+"/") {
		return normalized, nil
	}
	return "", types.NewSandboxError(types.CodeInvalidPath, "path must resolve under "+SandboxRoot)
}

// ToUserPath maps a normalized absolute guest path back to the caller-
// visible relative form: the sandbox root maps to ".", a path under the
// root has the root prefix stripped, and anything else is returned as-is.
func ToUserPath(absolute string) string {
	if absolute == SandboxRoot {
		return "."
	}
	if strings.HasPrefix(absolute, SandboxRoot+"/") {
		return absolute[len(SandboxRoot)+1:]
	}
	return absolute
}
