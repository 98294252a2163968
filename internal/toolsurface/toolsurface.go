// Package toolsurface wires the Session Manager's operations onto an MCP
// stdio server: one tool per operation in spec.md §6.2, each mapping its
// result or error onto the uniform envelope of pkg/types.
package toolsurface

import (
	"context"
	"fmt"
	"strings"

	"github.com/ajaxzhan/omcp-sandbox/internal/manager"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// sessionManager is the narrow slice of internal/manager.Manager the tool
// surface depends on, letting handler tests substitute a fake.
type sessionManager interface {
	Create(ctx context.Context) (types.Session, error)
	Close(ctx context.Context, id string) error
	Execute(ctx context.Context, id, code string, limitsPayload map[string]interface{}) (*ExecResult, error)
	ListFiles(ctx context.Context, id, path string) ([]types.FileEntry, error)
	ReadFile(ctx context.Context, id, path string) (string, error)
	WriteFile(ctx context.Context, id, path, content string) error
	ListSessions(includeInactive bool) []types.Session
	Backend() types.Backend
}

// ExecResult is an alias of manager.ExecResult, so *manager.Manager
// satisfies sessionManager as is.
type ExecResult = manager.ExecResult

// Handler implements the 8 MCP tools backed by a Session Manager.
type Handler struct {
	manager sessionManager
}

// NewHandler builds a Handler bound to the given Session Manager.
func NewHandler(m sessionManager) *Handler {
	return &Handler{manager: m}
}

// Register adds every tool to an MCP server, grounded tool-for-tool on
// original_source's @mcp.tool() definitions.
func Register(s *server.MCPServer, h *Handler) {
	s.AddTool(mcp.Tool{
		Name:        "create_session",
		Description: "Start a new sandboxed code execution session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Accepted for wire compatibility; has no effect (sessions use the server-wide SANDBOX_TIMEOUT)",
				},
			},
		},
	}, h.createSession)

	s.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List all active sandbox sessions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"include_inactive": map[string]interface{}{
					"type":        "boolean",
					"description": "Accepted for wire compatibility; has no effect",
				},
			},
		},
	}, h.listSessions)

	s.AddTool(mcp.Tool{
		Name:        "close_session",
		Description: "Close and remove a sandbox session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{"type": "string"},
			},
			Required: []string{"session_id"},
		},
	}, h.closeSession)

	s.AddTool(mcp.Tool{
		Name:        "execute_in_session",
		Description: "Execute code in a session. State persists (persistent backend) and output is captured.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{"type": "string"},
				"code":       map[string]interface{}{"type": "string"},
				"limits": map[string]interface{}{
					"type":        "object",
					"description": "Optional per-call max_duration_secs / max_output_bytes overrides",
				},
			},
			Required: []string{"session_id", "code"},
		},
	}, h.executeInSession)

	s.AddTool(mcp.Tool{
		Name:        "list_session_files",
		Description: "List files in the session's workspace",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{"type": "string"},
				"path":       map[string]interface{}{"type": "string", "description": "Guest-relative path, defaults to \".\""},
			},
			Required: []string{"session_id"},
		},
	}, h.listSessionFiles)

	s.AddTool(mcp.Tool{
		Name:        "read_session_file",
		Description: "Read a text file from the session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{"type": "string"},
				"path":       map[string]interface{}{"type": "string"},
			},
			Required: []string{"session_id", "path"},
		},
	}, h.readSessionFile)

	s.AddTool(mcp.Tool{
		Name:        "write_session_file",
		Description: "Write content to a file in the session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{"type": "string"},
				"path":       map[string]interface{}{"type": "string"},
				"content":    map[string]interface{}{"type": "string"},
			},
			Required: []string{"session_id", "path", "content"},
		},
	}, h.writeSessionFile)

	s.AddTool(mcp.Tool{
		Name:        "install_package",
		Description: "Install a package dynamically in a session (CRAN/GitHub for R, pip for Python)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{"type": "string"},
				"name":       map[string]interface{}{"type": "string"},
				"source": map[string]interface{}{
					"type":        "string",
					"description": "CRAN, GitHub or pip; when omitted, pip on the stateless backend and CRAN otherwise",
				},
			},
			Required: []string{"session_id", "name"},
		},
	}, h.installPackage)
}

func (h *Handler) createSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := h.manager.Create(ctx)
	if err != nil {
		return errorResult(err, types.CodeSessionCreateFail, "failed to create session"), nil
	}
	fields := map[string]interface{}{
		"session_id": session.ID,
		"created_at": session.CreatedAt,
		"last_used":  session.LastUsed,
	}
	if session.Backend == types.BackendPersistent {
		fields["host_port"] = session.HostPort
	}
	return mcp.NewToolResultStructured(types.Success(fields), ""), nil
}

func (h *Handler) listSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		IncludeInactive bool `json:"include_inactive"`
	}
	_ = request.BindArguments(&args)

	sessions := h.manager.ListSessions(args.IncludeInactive)
	list := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		entry := map[string]interface{}{
			"id":         s.ID,
			"created_at": s.CreatedAt,
			"last_used":  s.LastUsed,
		}
		if s.Backend == types.BackendPersistent {
			entry["host_port"] = s.HostPort
		}
		list = append(list, entry)
	}
	return mcp.NewToolResultStructuredOnly(types.Success(map[string]interface{}{
		"sessions": list,
		"count":    len(list),
	})), nil
}

func (h *Handler) closeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}

	if err := h.manager.Close(ctx, args.SessionID); err != nil {
		return errorResult(err, types.CodeSessionCloseFail, "failed to close session"), nil
	}
	return mcp.NewToolResultStructured(types.Success(map[string]interface{}{
		"message": fmt.Sprintf("Closed session %s", args.SessionID),
	}), ""), nil
}

func (h *Handler) executeInSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string                 `json:"session_id"`
		Code      string                 `json:"code"`
		Limits    map[string]interface{} `json:"limits"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}

	result, err := h.manager.Execute(ctx, args.SessionID, args.Code, args.Limits)
	if err != nil {
		return envelopeResult(types.MapError(err, "execution_error", "failed to execute code in session")), nil
	}
	return mcp.NewToolResultStructured(types.Success(map[string]interface{}{
		"result": result.Result,
		"output": result.Output,
		"meta": map[string]interface{}{
			"elapsed_secs":     result.ElapsedSecs,
			"output_truncated": result.OutputTruncated,
		},
	}), ""), nil
}

func (h *Handler) listSessionFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}
	if args.Path == "" {
		args.Path = "."
	}

	files, err := h.manager.ListFiles(ctx, args.SessionID, args.Path)
	if err != nil {
		return errorResult(err, types.CodeListFilesFail, "failed to list files"), nil
	}
	return mcp.NewToolResultStructured(types.Success(map[string]interface{}{
		"files": files,
	}), ""), nil
}

func (h *Handler) readSessionFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}

	content, err := h.manager.ReadFile(ctx, args.SessionID, args.Path)
	if err != nil {
		return errorResult(err, types.CodeReadFileFail, "failed to read file"), nil
	}
	return mcp.NewToolResultStructured(types.Success(map[string]interface{}{
		"content": content,
	}), ""), nil
}

func (h *Handler) writeSessionFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Path      string `json:"path"`
		Content   string `json:"content"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}

	if err := h.manager.WriteFile(ctx, args.SessionID, args.Path, args.Content); err != nil {
		return errorResult(err, types.CodeWriteFileFail, "failed to write file"), nil
	}
	return mcp.NewToolResultStructured(types.Success(map[string]interface{}{
		"message": fmt.Sprintf("Successfully wrote to %s", args.Path),
	}), ""), nil
}

func (h *Handler) installPackage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Name      string `json:"name"`
		Source    string `json:"source"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}

	cmd, err := installCommand(h.manager.Backend(), args.Name, args.Source)
	if err != nil {
		return errorResult(err, types.CodeInstallPkgFail, "failed to build install command"), nil
	}

	result, err := h.manager.Execute(ctx, args.SessionID, cmd, nil)
	if err != nil {
		return envelopeResult(types.MapError(err, types.CodeInstallPkgFail, "failed to install package")), nil
	}
	return mcp.NewToolResultStructured(types.Success(map[string]interface{}{
		"message": fmt.Sprintf("Installed %s", args.Name),
		"output":  result.Output,
		"meta": map[string]interface{}{
			"elapsed_secs":     result.ElapsedSecs,
			"output_truncated": result.OutputTruncated,
		},
	}), ""), nil
}

// installCommand builds the templated install one-liner (spec.md §4
// supplement): CRAN/GitHub for the R variant, pip for the Python variant.
// An explicit source always picks its own syntax; an empty source defaults
// to whichever form the deployment's backend actually runs, since a
// stateless/Python deployment has no R interpreter to hand install.packages
// to.
func installCommand(backend types.Backend, name, source string) (string, error) {
	switch strings.ToUpper(source) {
	case "":
		if backend == types.BackendStateless {
			return pipInstallCommand(name), nil
		}
		return cranInstallCommand(name), nil
	case "CRAN":
		return cranInstallCommand(name), nil
	case "GITHUB":
		return fmt.Sprintf(`remotes::install_github(%q, auth_token=Sys.getenv("GITHUB_PAT"))`, name), nil
	case "PIP":
		return pipInstallCommand(name), nil
	default:
		return "", types.NewSandboxError(types.CodeInvalidSource, "invalid source; use CRAN, GitHub, or pip")
	}
}

func cranInstallCommand(name string) string {
	return fmt.Sprintf(`install.packages(%q, repos="https://cloud.r-project.org")`, name)
}

func pipInstallCommand(name string) string {
	return fmt.Sprintf("import subprocess, sys\nsubprocess.check_call([sys.executable, '-m', 'pip', 'install', %q])", name)
}

func errorResult(err error, defaultCode, defaultMessage string) *mcp.CallToolResult {
	return envelopeResult(types.MapError(err, defaultCode, defaultMessage))
}

func envelopeResult(env types.Envelope) *mcp.CallToolResult {
	return mcp.NewToolResultStructured(env, "")
}
