// Package lifecycle owns the in-memory registry of preview sandboxes: one
// instance per project, provisioned in the background, read by status
// polls, and reclaimed by explicit stops or idle eviction.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/appdraft/preview-api/internal/appctx"
	"github.com/appdraft/preview-api/internal/apperrs"
	"github.com/appdraft/preview-api/internal/filecache"
	"github.com/appdraft/preview-api/internal/sandbox"
)

// ProjectFiles lists a project's generated files from durable storage. It
// is the last resort of the file fallback chain; a nil implementation is
// allowed and skips the lookup.
type ProjectFiles interface {
	ListFiles(ctx context.Context, projectID string) ([]sandbox.File, error)
}

// Config wires a Manager's collaborators. Provisioner and Files are
// required; everything else has a usable default.
type Config struct {
	Provisioner sandbox.Provisioner
	Files       *filecache.Cache
	Projects    ProjectFiles
	Logger      *slog.Logger

	// ProvisionBudget bounds a single allocate+install+start run.
	ProvisionBudget time.Duration
	// IdleTTL is how long an instance may go unread before SweepIdle
	// reclaims it.
	IdleTTL      time.Duration
	StartCommand string
}

// instanceState is the registry entry behind a ServerInstance. The handle
// and the seen hand-off links never leave the package.
type instanceState struct {
	inst      ServerInstance
	handle    *sandbox.Handle
	seenLinks map[string]struct{}
	cancel    context.CancelFunc
}

// Manager is the sandbox registry. All public methods are safe for
// concurrent use.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instanceState

	provisioner  sandbox.Provisioner
	files        *filecache.Cache
	projects     ProjectFiles
	logger       *slog.Logger
	budget       time.Duration
	idleTTL      time.Duration
	startCommand string
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProvisionBudget <= 0 {
		cfg.ProvisionBudget = 2 * time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	return &Manager{
		instances:    make(map[string]*instanceState),
		provisioner:  cfg.Provisioner,
		files:        cfg.Files,
		projects:     cfg.Projects,
		logger:       cfg.Logger,
		budget:       cfg.ProvisionBudget,
		idleTTL:      cfg.IdleTTL,
		startCommand: cfg.StartCommand,
	}
}

// CreateServer registers a preview sandbox for the project and kicks off
// provisioning in the background, returning the starting entry right away.
// When an instance is already starting, installing or ready the existing
// entry is returned unchanged; an errored instance is dropped and
// provisioned fresh. Files omitted from the request are recovered from the
// snapshot cache or the project store.
func (m *Manager) CreateServer(ctx context.Context, projectID string, files []sandbox.File) (*ServerInstance, error) {
	if projectID == "" {
		return nil, apperrs.Client(apperrs.CodeInvalidInput, "projectId is required")
	}

	l := appctx.GetLogger(ctx)

	resolved, err := m.resolveFiles(ctx, projectID, files)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if state, ok := m.instances[projectID]; ok {
		switch state.inst.Status {
		case StatusStarting, StatusInstalling, StatusReady:
			state.inst.LastAccessedAt = time.Now()
			inst := state.inst
			m.mu.Unlock()
			l.Info("reusing live server", "project_id", projectID, "status", inst.Status)
			return &inst, nil
		}

		// A failed instance blocks nothing: drop it, release whatever
		// sandbox it held and provision fresh.
		if state.cancel != nil {
			state.cancel()
		}
		delete(m.instances, projectID)
		if state.handle != nil {
			go m.teardownQuietly(state.handle, projectID)
		}
	}

	now := time.Now()
	provisionCtx, cancel := context.WithTimeout(context.Background(), m.budget)
	state := &instanceState{
		inst: ServerInstance{
			ID:             projectID,
			Status:         StatusStarting,
			CreatedAt:      now,
			LastAccessedAt: now,
		},
		seenLinks: make(map[string]struct{}),
		cancel:    cancel,
	}
	m.instances[projectID] = state
	inst := state.inst
	m.mu.Unlock()

	bgCtx := appctx.WithLogger(provisionCtx, l.With("project_id", projectID))
	go m.provision(bgCtx, state, projectID, resolved)

	return &inst, nil
}

// resolveFiles picks the file set to provision with: the inline payload,
// then the snapshot cache, then the project store. Inline and stored
// files refresh the cache so later requests can omit the payload.
func (m *Manager) resolveFiles(ctx context.Context, projectID string, files []sandbox.File) ([]sandbox.File, error) {
	if len(files) > 0 {
		m.files.Set(projectID, files, 0)
		return files, nil
	}

	if cached, ok := m.files.Get(projectID); ok {
		return cached, nil
	}

	if m.projects != nil {
		stored, err := m.projects.ListFiles(ctx, projectID)
		if err != nil {
			return nil, apperrs.Server("failed to load project files", err)
		}
		if len(stored) > 0 {
			m.files.Set(projectID, stored, 0)
			return stored, nil
		}
	}

	stats := m.files.Stats(projectID)
	appctx.GetLogger(ctx).Warn("no files found for project",
		"project_id", projectID, "cache_exists", stats.Exists, "cache_age", stats.Age)
	return nil, apperrs.Client(apperrs.CodeNotFound, "No files found for project")
}

// provision drives allocate → install → start, writing each milestone into
// the registry entry. It never reports an error to a caller: failures land
// on the entry as status=error. ctx carries the provisioning budget.
func (m *Manager) provision(ctx context.Context, state *instanceState, projectID string, files []sandbox.File) {
	defer state.cancel()

	l := appctx.GetLogger(ctx)
	started := time.Now()
	l.Info("provisioning sandbox", "files", len(files))

	handle, err := m.provisioner.Allocate(ctx, sandbox.AllocSpec{ProjectID: projectID, Files: files})
	if err != nil {
		m.failProvision(ctx, state, projectID, &sandbox.StepError{Step: sandbox.StepAllocate, Err: err}, nil)
		return
	}

	if !m.writeMilestone(state, projectID, func(s *instanceState) {
		s.handle = handle
		s.inst.Status = StatusInstalling
	}) {
		// Entry removed while allocating: release the orphaned sandbox.
		m.teardownQuietly(handle, projectID)
		return
	}
	l.Info("sandbox allocated", "sandbox_id", handle.ID)

	if err := m.provisioner.InstallDependencies(ctx, handle); err != nil {
		m.failProvision(ctx, state, projectID, &sandbox.StepError{Step: sandbox.StepInstall, Err: err}, handle)
		return
	}

	urls, err := m.provisioner.StartApplication(ctx, handle, m.startCommand)
	if err != nil {
		m.failProvision(ctx, state, projectID, &sandbox.StepError{Step: sandbox.StepStart, Err: err}, handle)
		return
	}

	if !m.writeMilestone(state, projectID, func(s *instanceState) {
		s.inst.Status = StatusReady
		s.inst.LocalURL = urls.LocalURL
		s.inst.WebURL = urls.WebURL
		s.inst.TunnelURL = urls.TunnelURL
		s.inst.ExpURL = expURL(*urls)
		s.inst.Error = ""
	}) {
		m.teardownQuietly(handle, projectID)
		return
	}

	l.Info("sandbox ready",
		"sandbox_id", handle.ID,
		"duration", time.Since(started).Round(time.Millisecond),
		"web_url", urls.WebURL)
}

// failProvision records the failure on the entry and reclaims the sandbox
// if one was allocated. Budget exhaustion gets a dedicated message so
// timeouts read as timeouts rather than transport noise.
func (m *Manager) failProvision(ctx context.Context, state *instanceState, projectID string, stepErr *sandbox.StepError, handle *sandbox.Handle) {
	msg := stepErr.Error()
	if ctx.Err() == context.DeadlineExceeded {
		msg = fmt.Sprintf("provisioning timed out after %s during %s", m.budget, stepErr.Step)
	}

	appctx.GetLogger(ctx).Error("provisioning failed", "step", stepErr.Step, "error", stepErr.Err)

	m.writeMilestone(state, projectID, func(s *instanceState) {
		s.inst.Status = StatusError
		s.inst.Error = msg
		s.handle = nil
	})

	if handle != nil {
		m.teardownQuietly(handle, projectID)
	}
}

// writeMilestone mutates the entry if it is still the one registered for
// the project. False means the entry was removed or replaced and the
// provisioning task's sandbox is orphaned.
func (m *Manager) writeMilestone(state *instanceState, projectID string, mutate func(*instanceState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.instances[projectID]
	if !ok || current != state {
		return false
	}
	mutate(current)
	return true
}

// teardownQuietly releases a sandbox on a fresh deadline, logging failures
// instead of raising them. Used wherever teardown is cleanup rather than
// the caller's request.
func (m *Manager) teardownQuietly(handle *sandbox.Handle, projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.provisioner.Teardown(ctx, handle); err != nil {
		m.logger.Error("failed to tear down sandbox",
			"project_id", projectID, "sandbox_id", handle.ID, "error", err)
	}
}

// GetServer reports the instance for a project. A project with no entry
// reports stopped: never-created and already-reclaimed look the same to
// clients. A successful read refreshes the idle-eviction clock.
func (m *Manager) GetServer(projectID string) ServerInstance {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.instances[projectID]
	if !ok {
		return ServerInstance{ID: projectID, Status: StatusStopped}
	}
	state.inst.LastAccessedAt = time.Now()
	return state.inst
}

// GetActiveInstances returns a point-in-time copy of every registry entry,
// ordered by project id.
func (m *Manager) GetActiveInstances() []ServerInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances := lo.Map(lo.Values(m.instances), func(s *instanceState, _ int) ServerInstance {
		return s.inst
	})
	slices.SortFunc(instances, func(a, b ServerInstance) int {
		return strings.Compare(a.ID, b.ID)
	})
	return instances
}

// Len reports the number of registered instances.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// StopServer tears down the project's sandbox and removes its entry. The
// entry goes away even when teardown fails, so a failed stop never leaves
// a zombie; the teardown error is still returned. Only a missing entry
// fails the call outright.
func (m *Manager) StopServer(ctx context.Context, projectID string) error {
	m.mu.Lock()
	state, ok := m.instances[projectID]
	if !ok {
		m.mu.Unlock()
		return apperrs.Client(apperrs.CodeNotFound, "server not found")
	}
	delete(m.instances, projectID)
	if state.cancel != nil {
		state.cancel()
	}
	handle := state.handle
	m.mu.Unlock()

	l := appctx.GetLogger(ctx)
	if handle == nil {
		l.Info("stopped server", "project_id", projectID)
		return nil
	}

	if err := m.provisioner.Teardown(ctx, handle); err != nil {
		l.Error("failed to tear down sandbox",
			"project_id", projectID, "sandbox_id", handle.ID, "error", err)
		return apperrs.Server("failed to tear down sandbox", err)
	}

	l.Info("stopped server", "project_id", projectID, "sandbox_id", handle.ID)
	return nil
}

// SweepIdle evicts every instance idle past the TTL, tearing down its
// sandbox first. Teardown failures are logged, not raised; the entry is
// removed either way. Returns the number of evicted instances.
func (m *Manager) SweepIdle(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var evicted []*instanceState
	for id, state := range m.instances {
		if now.Sub(state.inst.LastAccessedAt) > m.idleTTL {
			delete(m.instances, id)
			if state.cancel != nil {
				state.cancel()
			}
			evicted = append(evicted, state)
		}
	}
	m.mu.Unlock()

	for _, state := range evicted {
		if state.handle != nil {
			if err := m.provisioner.Teardown(ctx, state.handle); err != nil {
				m.logger.Error("failed to tear down idle sandbox",
					"project_id", state.inst.ID, "sandbox_id", state.handle.ID, "error", err)
			}
		}
		m.logger.Info("evicted idle server",
			"project_id", state.inst.ID,
			"idle", now.Sub(state.inst.LastAccessedAt).Round(time.Second))
	}
	return len(evicted)
}

// RecordHandoff counts a device hand-off against the project's instance,
// once per distinct link id. Unknown projects are a no-op: hand-off links
// outlive instances.
func (m *Manager) RecordHandoff(projectID, linkID string) {
	if projectID == "" || linkID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.instances[projectID]
	if !ok {
		return
	}
	if _, seen := state.seenLinks[linkID]; seen {
		return
	}
	state.seenLinks[linkID] = struct{}{}
	state.inst.ConnectedDevices++
}

// GetLogs tails the dev server log of a ready instance.
func (m *Manager) GetLogs(ctx context.Context, projectID string) (string, error) {
	m.mu.RLock()
	state, ok := m.instances[projectID]
	var handle *sandbox.Handle
	var status string
	if ok {
		handle = state.handle
		status = state.inst.Status
	}
	m.mu.RUnlock()

	if !ok {
		return "", apperrs.Client(apperrs.CodeNotFound, "server not found")
	}
	if status != StatusReady || handle == nil {
		return "", apperrs.Client(apperrs.CodeInvalidInput, "server is not ready")
	}

	result, err := m.provisioner.Exec(ctx, handle, sandbox.LogsCommand)
	if err != nil {
		return "", apperrs.Server("failed to read server logs", err)
	}
	if result.ExitCode != 0 {
		return "", apperrs.Server(fmt.Sprintf("log command exited with code %d", result.ExitCode), nil)
	}
	return result.Stdout, nil
}

// expURL derives the device hand-off address from the most reachable URL:
// tunnel first, then web, then local.
func expURL(urls sandbox.AppURLs) string {
	for _, u := range []string{urls.TunnelURL, urls.WebURL, urls.LocalURL} {
		if u == "" {
			continue
		}
		host := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
		return "exp://" + host
	}
	return ""
}
