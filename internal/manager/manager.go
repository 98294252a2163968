// Package manager implements the Session Manager: ownership of the session
// table, container lifecycle, concurrency discipline, timeout enforcement,
// output truncation, and the per-session journal.
package manager

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ajaxzhan/omcp-sandbox/internal/containerrt"
	"github.com/ajaxzhan/omcp-sandbox/internal/limits"
	"github.com/ajaxzhan/omcp-sandbox/internal/logging"
	"github.com/ajaxzhan/omcp-sandbox/internal/pathpolicy"
	"github.com/ajaxzhan/omcp-sandbox/internal/transport"
	"github.com/ajaxzhan/omcp-sandbox/pkg/types"
	"github.com/google/uuid"
)

// journalCap bounds each session's journal to its most recent records, so
// the Session.Journal slice stays small without requiring persistence
// (Open Question 2).
const journalCap = 50

// hostGatewayAlias is the runtime-provided alias a container dials to reach
// a service bound on the host's loopback interface.
const hostGatewayAlias = "host.docker.internal"

// guestEvaluatorPort is the conventional guest port the persistent
// backend's evaluator listens on.
const guestEvaluatorPort = "6311/tcp"

// Backend selects which Guest Transport a session's container is built for.
type Backend = types.Backend

const (
	BackendStateless  = types.BackendStateless
	BackendPersistent = types.BackendPersistent
)

// Config carries the manager's tunables, sourced from internal/config.
type Config struct {
	MaxSessions     int
	SandboxTimeout  time.Duration
	DockerImage     string
	WorkspaceRoot   string
	DBHost          string
	DBPort          string
	DBUser          string
	DBPassword      string
	DBName          string
	Backend         Backend
	Language        transport.Language
	MaxCodeChars    int
	MaxFileReadSize int
	MaxFileWrite    int
	DefaultLimits   limits.Defaults
}

// sessionEntry is the table's internal record: the public Session plus the
// lock and transport that guard and drive it.
type sessionEntry struct {
	mu        sync.Mutex
	session   types.Session
	transport transport.GuestTransport
	fileio    *transport.FileIO
}

// Manager owns the session table and the container runtime capability.
type Manager struct {
	cfg     Config
	runtime containerrt.Runtime

	tableMu sync.Mutex
	table   map[string]*sessionEntry
}

// New builds a Manager bound to the given runtime and configuration.
func New(rt containerrt.Runtime, cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		runtime: rt,
		table:   make(map[string]*sessionEntry),
	}
}

// Create provisions a new hardened session (spec.md §4.E Creation).
func (m *Manager) Create(ctx context.Context) (types.Session, error) {
	m.tableMu.Lock()
	if len(m.table) >= m.cfg.MaxSessions {
		m.tableMu.Unlock()
		return types.Session{}, types.NewSandboxError(types.CodeMaxSessions, "maximum number of sessions reached")
	}
	m.tableMu.Unlock()

	id := uuid.NewString()

	env, extraHosts := m.buildDBEnv()

	var bind *containerrt.BindMount
	tmpfs := map[string]string{"/tmp": "rw,noexec,nosuid,size=100m"}
	workspaceDir := ""
	if m.cfg.WorkspaceRoot != "" {
		workspaceDir = path.Join(m.cfg.WorkspaceRoot, id)
		if err := ensureDir(workspaceDir); err != nil {
			return types.Session{}, types.NewRetryableError(types.CodeSessionCreateFail, "failed to create workspace directory").
				WithDetails(map[string]interface{}{"reason": err.Error()})
		}
		bind = &containerrt.BindMount{Source: workspaceDir, Target: pathpolicy.SandboxRoot}
	} else {
		tmpfs[pathpolicy.SandboxRoot] = "rw,noexec,nosuid,size=500m"
	}

	spec := containerrt.HardeningSpec{
		Name:            fmt.Sprintf("omcp-session-%s", id),
		Image:           m.cfg.DockerImage,
		Env:             env,
		WorkingDir:      pathpolicy.SandboxRoot,
		MemoryBytes:     512 << 20,
		CPUPeriod:       100000,
		CPUQuota:        50000,
		PidsLimit:       128,
		User:            "1000",
		ReadOnlyRootfs:  true,
		CapDropAll:      true,
		NoNewPrivileges: true,
		Tmpfs:           tmpfs,
		Bind:            bind,
		ExtraHosts:      extraHosts,
		Labels:          map[string]string{"omcp-sandbox/session": id},
	}

	if m.cfg.Backend == BackendPersistent {
		spec.NetworkMode = "bridge"
		spec.GuestPort = guestEvaluatorPort
	} else {
		spec.NetworkMode = "none"
		spec.Cmd = []string{"sleep", "infinity"}
	}

	info, err := m.runtime.Run(ctx, spec)
	if err != nil {
		return types.Session{}, types.NewRetryableError(types.CodeSessionCreateFail, "failed to create session container").
			WithDetails(map[string]interface{}{"reason": err.Error()})
	}

	now := time.Now()
	session := types.Session{
		ID:           id,
		ContainerID:  info.ID,
		HostPort:     info.HostPort,
		Backend:      m.cfg.Backend,
		CreatedAt:    now,
		LastUsed:     now,
		State:        types.SessionReady,
		WorkspaceDir: workspaceDir,
	}

	entry := &sessionEntry{
		session:   session,
		transport: m.buildTransport(info),
		fileio:    &transport.FileIO{Runtime: m.runtime},
	}

	m.tableMu.Lock()
	if len(m.table) >= m.cfg.MaxSessions {
		m.tableMu.Unlock()
		_ = m.runtime.Stop(ctx, info.ID, time.Second)
		_ = m.runtime.Remove(ctx, info.ID)
		return types.Session{}, types.NewSandboxError(types.CodeMaxSessions, "maximum number of sessions reached")
	}
	m.table[id] = entry
	m.tableMu.Unlock()

	logging.Info("session created", logging.String("session_id", id), logging.String("container_id", info.ID))
	return session, nil
}

func (m *Manager) buildTransport(info *containerrt.ContainerInfo) transport.GuestTransport {
	if m.cfg.Backend == BackendPersistent {
		return transport.NewPersistentTransport(info.HostPort)
	}
	return &transport.StatelessTransport{Runtime: m.runtime, ContainerID: info.ID, Language: m.cfg.Language}
}

// buildDBEnv constructs the guest-visible DB_* environment and, when the
// configured DB_HOST is a loopback literal, rewrites it to the runtime's
// host-gateway alias and returns the matching extra-hosts mapping.
func (m *Manager) buildDBEnv() ([]string, []string) {
	dbHost := m.cfg.DBHost
	var extraHosts []string
	if dbHost == "localhost" || dbHost == "127.0.0.1" {
		dbHost = hostGatewayAlias
		extraHosts = []string{hostGatewayAlias + ":host-gateway"}
	}
	env := []string{
		"DB_HOST=" + dbHost,
		"DB_PORT=" + m.cfg.DBPort,
		"DB_USER=" + m.cfg.DBUser,
		"DB_PASSWORD=" + m.cfg.DBPassword,
		"DB_NAME=" + m.cfg.DBName,
	}
	return env, extraHosts
}

// Close destroys a session (spec.md §4.E Destruction). Idempotent: closing
// an already-closed or unknown id returns session_not_found.
func (m *Manager) Close(ctx context.Context, id string) error {
	entry := m.remove(id)
	if entry == nil {
		return types.NewSandboxError(types.CodeSessionNotFound, "session not found")
	}

	entry.mu.Lock()
	entry.session.State = types.SessionClosing
	entry.mu.Unlock()

	if err := m.runtime.Stop(ctx, entry.session.ContainerID, time.Second); err != nil {
		logging.Warn("failed to stop session container", logging.String("session_id", id), logging.Err(err))
	}
	if err := m.runtime.Remove(ctx, entry.session.ContainerID); err != nil {
		logging.Warn("failed to remove session container", logging.String("session_id", id), logging.Err(err))
	}

	logging.Info("session closed", logging.String("session_id", id))
	return nil
}

// remove atomically evicts an entry from the table, guarding against two
// concurrent closers both succeeding.
func (m *Manager) remove(id string) *sessionEntry {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	entry, ok := m.table[id]
	if !ok {
		return nil
	}
	delete(m.table, id)
	return entry
}

// lookup returns the live entry for id without removing it.
func (m *Manager) lookup(id string) (*sessionEntry, error) {
	m.tableMu.Lock()
	entry, ok := m.table[id]
	m.tableMu.Unlock()
	if !ok {
		return nil, types.NewSandboxError(types.CodeSessionNotFound, "session not found")
	}
	return entry, nil
}

// ExecResult is what Execute returns on the success path.
type ExecResult struct {
	Result          string
	Output          string
	ElapsedSecs     float64
	OutputTruncated bool
}

// Execute runs code in a session (spec.md §4.E Execution).
func (m *Manager) Execute(ctx context.Context, id, code string, limitsPayload map[string]interface{}) (*ExecResult, error) {
	if len(code) == 0 {
		return nil, types.NewSandboxError(types.CodeInvalidCode, "code must be a non-empty string")
	}
	if m.cfg.MaxCodeChars > 0 && len(code) > m.cfg.MaxCodeChars {
		return nil, types.NewSandboxError(types.CodeCodeTooLarge, "code exceeds max_code_chars")
	}

	lim, err := limits.Parse(limitsPayload, m.cfg.DefaultLimits)
	if err != nil {
		return nil, err
	}

	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.session.State = types.SessionBusy
	entry.session.LastUsed = time.Now()
	defer func() { entry.session.State = types.SessionReady }()

	outcome, err := entry.transport.Execute(ctx, code, lim)
	if err != nil {
		se, ok := types.AsSandboxError(err)
		if !ok {
			se = types.NewRetryableError(types.CodeTransportError, "execution transport failed").
				WithDetails(map[string]interface{}{"reason": err.Error()})
		}
		entry.appendJournal(false, 0, len(code))
		return nil, se
	}

	output, truncated := truncateUTF8(outcome.Output, lim.MaxOutputBytes)

	if outcome.ErrorMsg != "" {
		errCode := transport.ClassifyGuestError(outcome.ErrorMsg)
		entry.appendJournal(false, outcome.ElapsedSecs, len(code))
		return nil, types.NewSandboxError(errCode, outcome.ErrorMsg).WithDetails(map[string]interface{}{
			"output":           output,
			"output_truncated": truncated,
		})
	}

	entry.appendJournal(true, outcome.ElapsedSecs, len(code))
	return &ExecResult{
		Result:          outcome.Result,
		Output:          output,
		ElapsedSecs:     outcome.ElapsedSecs,
		OutputTruncated: truncated,
	}, nil
}

func (e *sessionEntry) appendJournal(success bool, elapsed float64, codeLen int) {
	rec := types.JournalRecord{
		Timestamp:   time.Now(),
		Success:     success,
		ElapsedSecs: elapsed,
		CodeLen:     codeLen,
	}
	e.session.Journal = append(e.session.Journal, rec)
	if len(e.session.Journal) > journalCap {
		e.session.Journal = e.session.Journal[len(e.session.Journal)-journalCap:]
	}
}

// truncateUTF8 caps s to maxBytes UTF-8 bytes without splitting a code
// point, reporting whether truncation occurred.
func truncateUTF8(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// ListFiles lists a session's guest directory (spec.md §4.D/§4.E file ops).
func (m *Manager) ListFiles(ctx context.Context, id, rawPath string) ([]types.FileEntry, error) {
	absPath, err := pathpolicy.Normalize(rawPath)
	if err != nil {
		return nil, err
	}

	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.session.LastUsed = time.Now()

	entries, err := entry.fileio.ListFiles(ctx, entry.session.ContainerID, absPath)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Path = pathpolicy.ToUserPath(entries[i].Path)
	}
	return entries, nil
}

// ReadFile reads a guest file's content.
func (m *Manager) ReadFile(ctx context.Context, id, rawPath string) (string, error) {
	absPath, err := pathpolicy.Normalize(rawPath)
	if err != nil {
		return "", err
	}

	entry, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.session.LastUsed = time.Now()

	return entry.fileio.ReadFile(ctx, entry.session.ContainerID, absPath, m.cfg.MaxFileReadSize)
}

// WriteFile writes content to a guest file.
func (m *Manager) WriteFile(ctx context.Context, id, rawPath, content string) error {
	absPath, err := pathpolicy.Normalize(rawPath)
	if err != nil {
		return err
	}

	entry, err := m.lookup(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.session.LastUsed = time.Now()

	if err := entry.fileio.WriteFile(ctx, entry.session.ContainerID, absPath, content, m.cfg.MaxFileWrite); err != nil {
		return err
	}
	return nil
}

// ListSessions returns a snapshot of currently-live sessions. includeInactive
// is accepted for wire compatibility (spec.md §6.2) but has no effect: there
// is no inactive-but-live state in this design (Open Question 3).
func (m *Manager) ListSessions(includeInactive bool) []types.Session {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	sessions := make([]types.Session, 0, len(m.table))
	for _, entry := range m.table {
		entry.mu.Lock()
		sessions = append(sessions, entry.session)
		entry.mu.Unlock()
	}
	return sessions
}

// Backend reports the deployment-wide backend this Manager was configured
// with, chosen once at construction from configuration (spec.md §4.A).
func (m *Manager) Backend() types.Backend {
	return m.cfg.Backend
}

// Reap closes sessions idle longer than sandbox_timeout, skipping any
// currently Busy (spec.md §4.E Reaping).
func (m *Manager) Reap(ctx context.Context) {
	now := time.Now()

	m.tableMu.Lock()
	var stale []string
	for id, entry := range m.table {
		entry.mu.Lock()
		idle := now.Sub(entry.session.LastUsed)
		busy := entry.session.State == types.SessionBusy
		entry.mu.Unlock()
		if !busy && idle > m.cfg.SandboxTimeout {
			stale = append(stale, id)
		}
	}
	m.tableMu.Unlock()

	for _, id := range stale {
		if err := m.Close(ctx, id); err != nil {
			logging.Warn("reaper failed to close idle session", logging.String("session_id", id), logging.Err(err))
		} else {
			logging.Info("reaper closed idle session", logging.String("session_id", id))
		}
	}
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
