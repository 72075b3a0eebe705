package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/appdraft/preview-api/internal/apperrs"
	"github.com/appdraft/preview-api/internal/filecache"
	"github.com/appdraft/preview-api/internal/sandbox"
)

var appFiles = []sandbox.File{
	{Path: "App.js", Content: "export default function App() {}"},
	{Path: "package.json", Content: `{"name":"preview-app"}`},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(fake *sandbox.Fake) *Manager {
	return NewManager(Config{
		Provisioner:     fake,
		Files:           filecache.New(time.Minute),
		Logger:          testLogger(),
		ProvisionBudget: time.Second,
		IdleTTL:         time.Minute,
		StartCommand:    "npx expo start --port 8081",
	})
}

// waitForStatus polls until the project's instance reaches the wanted
// status. Provisioning runs in the background, so tests observe it the
// same way clients do.
func waitForStatus(t *testing.T, m *Manager, projectID, want string) ServerInstance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst := m.GetServer(projectID)
		if inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q, last status %q", want, m.GetServer(projectID).Status)
	return ServerInstance{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type projectFilesFunc func(ctx context.Context, projectID string) ([]sandbox.File, error)

func (f projectFilesFunc) ListFiles(ctx context.Context, projectID string) ([]sandbox.File, error) {
	return f(ctx, projectID)
}

func TestCreateServerProvisions(t *testing.T) {
	fake := sandbox.NewFake()
	m := newTestManager(fake)

	inst, err := m.CreateServer(context.Background(), "proj-1", appFiles)
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if inst.ID != "proj-1" {
		t.Errorf("expected instance id proj-1, got %q", inst.ID)
	}
	if inst.Status != StatusStarting {
		t.Errorf("expected status %q right after create, got %q", StatusStarting, inst.Status)
	}

	ready := waitForStatus(t, m, "proj-1", StatusReady)
	if ready.LocalURL != "http://localhost:8081" {
		t.Errorf("unexpected local url %q", ready.LocalURL)
	}
	if ready.WebURL != "https://fake.preview.test" {
		t.Errorf("unexpected web url %q", ready.WebURL)
	}
	if ready.TunnelURL != "https://fake.preview.test" {
		t.Errorf("unexpected tunnel url %q", ready.TunnelURL)
	}
	if ready.ExpURL != "exp://fake.preview.test" {
		t.Errorf("unexpected exp url %q", ready.ExpURL)
	}
	if ready.Error != "" {
		t.Errorf("ready instance carries error %q", ready.Error)
	}

	want := []string{sandbox.StepAllocate, sandbox.StepInstall, sandbox.StepStart}
	if got := fake.Calls(); !slices.Equal(got, want) {
		t.Errorf("expected calls %v, got %v", want, got)
	}
	if fake.Live() != 1 {
		t.Errorf("expected 1 live sandbox, got %d", fake.Live())
	}
}

func TestCreateServerRequiresProjectID(t *testing.T) {
	m := newTestManager(sandbox.NewFake())

	_, err := m.CreateServer(context.Background(), "", appFiles)
	if err == nil {
		t.Fatal("expected an error for empty project id")
	}
	if !apperrs.CodeIs(err, apperrs.CodeInvalidInput) {
		t.Errorf("expected code %s, got %v", apperrs.CodeInvalidInput, err)
	}
}

func TestCreateServerNoFilesAnywhere(t *testing.T) {
	fake := sandbox.NewFake()
	m := newTestManager(fake)

	_, err := m.CreateServer(context.Background(), "proj-1", nil)
	if err == nil {
		t.Fatal("expected an error when no files are available")
	}
	if !apperrs.CodeIs(err, apperrs.CodeNotFound) {
		t.Errorf("expected code %s, got %v", apperrs.CodeNotFound, err)
	}
	if !strings.Contains(err.Error(), "No files found for project") {
		t.Errorf("unexpected error message %q", err.Error())
	}
	if fake.CallCount(sandbox.StepAllocate) != 0 {
		t.Error("no sandbox should be allocated without files")
	}
}

func TestCreateServerUsesCachedFiles(t *testing.T) {
	fake := sandbox.NewFake()
	files := filecache.New(time.Minute)
	files.Set("proj-1", appFiles, 0)
	m := NewManager(Config{
		Provisioner:     fake,
		Files:           files,
		Logger:          testLogger(),
		ProvisionBudget: time.Second,
		IdleTTL:         time.Minute,
	})

	if _, err := m.CreateServer(context.Background(), "proj-1", nil); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)
}

func TestCreateServerFallsBackToProjectStore(t *testing.T) {
	fake := sandbox.NewFake()
	files := filecache.New(time.Minute)
	store := projectFilesFunc(func(ctx context.Context, projectID string) ([]sandbox.File, error) {
		if projectID != "proj-1" {
			return nil, nil
		}
		return appFiles, nil
	})
	m := NewManager(Config{
		Provisioner:     fake,
		Files:           files,
		Projects:        store,
		Logger:          testLogger(),
		ProvisionBudget: time.Second,
		IdleTTL:         time.Minute,
	})

	if _, err := m.CreateServer(context.Background(), "proj-1", nil); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	// Stored files should be snapshotted for later requests.
	if _, ok := files.Get("proj-1"); !ok {
		t.Error("expected project store files to land in the cache")
	}
}

func TestCreateServerDeduplicates(t *testing.T) {
	fake := sandbox.NewFake()
	fake.SetDelay(sandbox.StepAllocate, 50*time.Millisecond)
	m := newTestManager(fake)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
				t.Errorf("CreateServer failed: %v", err)
			}
		}()
	}
	wg.Wait()
	waitForStatus(t, m, "proj-1", StatusReady)

	// Creating against a ready instance attaches to it.
	inst, err := m.CreateServer(context.Background(), "proj-1", appFiles)
	if err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if inst.Status != StatusReady {
		t.Errorf("expected to attach to the ready instance, got status %q", inst.Status)
	}

	if got := fake.CallCount(sandbox.StepAllocate); got != 1 {
		t.Errorf("expected a single allocation, got %d", got)
	}
}

func TestCreateServerRetriesAfterError(t *testing.T) {
	fake := sandbox.NewFake()
	fake.SetError(sandbox.StepInstall, errors.New("npm install exploded"))
	m := newTestManager(fake)

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	failed := waitForStatus(t, m, "proj-1", StatusError)
	if failed.Error != "install: npm install exploded" {
		t.Errorf("unexpected error message %q", failed.Error)
	}

	// The broken sandbox is reclaimed in the background.
	waitFor(t, "failed sandbox teardown", func() bool { return fake.Live() == 0 })

	// A failed entry must not block a retry.
	fake.SetError(sandbox.StepInstall, nil)
	inst, err := m.CreateServer(context.Background(), "proj-1", appFiles)
	if err != nil {
		t.Fatalf("retry CreateServer failed: %v", err)
	}
	if inst.Status != StatusStarting {
		t.Errorf("expected retry to start fresh, got status %q", inst.Status)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	if got := fake.CallCount(sandbox.StepAllocate); got != 2 {
		t.Errorf("expected 2 allocations, got %d", got)
	}
}

func TestCreateServerAllocateFailure(t *testing.T) {
	fake := sandbox.NewFake()
	fake.SetError(sandbox.StepAllocate, errors.New("quota exceeded"))
	m := newTestManager(fake)

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	failed := waitForStatus(t, m, "proj-1", StatusError)
	if failed.Error != "allocate: quota exceeded" {
		t.Errorf("unexpected error message %q", failed.Error)
	}
	if fake.CallCount(sandbox.OpTeardown) != 0 {
		t.Error("nothing was allocated, nothing should be torn down")
	}
}

func TestProvisioningBudget(t *testing.T) {
	fake := sandbox.NewFake()
	fake.SetDelay(sandbox.StepInstall, 200*time.Millisecond)
	m := NewManager(Config{
		Provisioner:     fake,
		Files:           filecache.New(time.Minute),
		Logger:          testLogger(),
		ProvisionBudget: 50 * time.Millisecond,
		IdleTTL:         time.Minute,
	})

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	failed := waitForStatus(t, m, "proj-1", StatusError)
	if !strings.Contains(failed.Error, "provisioning timed out") {
		t.Errorf("expected a timeout message, got %q", failed.Error)
	}
}

func TestGetServerUnknownProject(t *testing.T) {
	m := newTestManager(sandbox.NewFake())

	inst := m.GetServer("ghost")
	if inst.Status != StatusStopped {
		t.Errorf("expected status %q for unknown project, got %q", StatusStopped, inst.Status)
	}
	if inst.ID != "ghost" {
		t.Errorf("expected id ghost, got %q", inst.ID)
	}
}

func TestGetServerRefreshesIdleClock(t *testing.T) {
	m := newTestManager(sandbox.NewFake())

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	first := m.GetServer("proj-1").LastAccessedAt
	time.Sleep(10 * time.Millisecond)
	second := m.GetServer("proj-1").LastAccessedAt
	if !second.After(first) {
		t.Errorf("expected a later read to refresh lastAccessedAt, got %v then %v", first, second)
	}
}

func TestGetActiveInstances(t *testing.T) {
	m := newTestManager(sandbox.NewFake())

	if got := m.GetActiveInstances(); len(got) != 0 {
		t.Fatalf("expected no instances, got %d", len(got))
	}

	for _, id := range []string{"proj-b", "proj-a"} {
		if _, err := m.CreateServer(context.Background(), id, appFiles); err != nil {
			t.Fatalf("CreateServer(%s) failed: %v", id, err)
		}
		waitForStatus(t, m, id, StatusReady)
	}

	list := m.GetActiveInstances()
	if len(list) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list))
	}
	if list[0].ID != "proj-a" || list[1].ID != "proj-b" {
		t.Errorf("expected instances ordered by id, got %s then %s", list[0].ID, list[1].ID)
	}
}

func TestStopServer(t *testing.T) {
	fake := sandbox.NewFake()
	m := newTestManager(fake)

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	if err := m.StopServer(context.Background(), "proj-1"); err != nil {
		t.Fatalf("StopServer failed: %v", err)
	}
	if fake.Live() != 0 {
		t.Errorf("expected sandbox teardown, %d still live", fake.Live())
	}
	if got := m.GetServer("proj-1").Status; got != StatusStopped {
		t.Errorf("expected status %q after stop, got %q", StatusStopped, got)
	}

	// A second stop has nothing to remove.
	err := m.StopServer(context.Background(), "proj-1")
	if !apperrs.CodeIs(err, apperrs.CodeNotFound) {
		t.Errorf("expected code %s for double stop, got %v", apperrs.CodeNotFound, err)
	}
}

func TestStopServerTeardownFailure(t *testing.T) {
	fake := sandbox.NewFake()
	m := newTestManager(fake)

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	fake.SetError(sandbox.OpTeardown, errors.New("sandbox api unreachable"))
	if err := m.StopServer(context.Background(), "proj-1"); err == nil {
		t.Error("expected the teardown error to surface")
	}

	// The entry is gone regardless, no zombie left behind.
	if got := m.GetServer("proj-1").Status; got != StatusStopped {
		t.Errorf("expected status %q after failed teardown, got %q", StatusStopped, got)
	}
}

func TestStopServerDuringProvisioning(t *testing.T) {
	fake := sandbox.NewFake()
	fake.SetDelay(sandbox.StepAllocate, 100*time.Millisecond)
	m := newTestManager(fake)

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	if err := m.StopServer(context.Background(), "proj-1"); err != nil {
		t.Fatalf("StopServer failed: %v", err)
	}

	// The canceled run must not resurrect the entry or leak a sandbox.
	time.Sleep(150 * time.Millisecond)
	if got := m.GetServer("proj-1").Status; got != StatusStopped {
		t.Errorf("stopped instance resurrected with status %q", got)
	}
	if fake.Live() != 0 {
		t.Errorf("expected no live sandboxes, got %d", fake.Live())
	}
}

func TestSweepIdle(t *testing.T) {
	fake := sandbox.NewFake()
	m := NewManager(Config{
		Provisioner:     fake,
		Files:           filecache.New(time.Minute),
		Logger:          testLogger(),
		ProvisionBudget: time.Second,
		IdleTTL:         60 * time.Millisecond,
	})

	for _, id := range []string{"proj-a", "proj-b"} {
		if _, err := m.CreateServer(context.Background(), id, appFiles); err != nil {
			t.Fatalf("CreateServer(%s) failed: %v", id, err)
		}
		waitForStatus(t, m, id, StatusReady)
	}

	time.Sleep(150 * time.Millisecond)
	m.GetServer("proj-a") // keeps proj-a alive

	if n := m.SweepIdle(context.Background()); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if got := m.GetServer("proj-b").Status; got != StatusStopped {
		t.Errorf("expected proj-b evicted, got status %q", got)
	}
	if got := m.GetServer("proj-a").Status; got != StatusReady {
		t.Errorf("expected proj-a kept, got status %q", got)
	}
	if fake.Live() != 1 {
		t.Errorf("expected 1 live sandbox after sweep, got %d", fake.Live())
	}
}

func TestRecordHandoff(t *testing.T) {
	m := newTestManager(sandbox.NewFake())

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	m.RecordHandoff("proj-1", "link-1")
	m.RecordHandoff("proj-1", "link-1") // same link opens twice
	m.RecordHandoff("proj-1", "link-2")
	m.RecordHandoff("ghost", "link-3") // no instance, no-op

	if got := m.GetServer("proj-1").ConnectedDevices; got != 2 {
		t.Errorf("expected 2 connected devices, got %d", got)
	}
}

func TestGetLogs(t *testing.T) {
	fake := sandbox.NewFake()
	fake.ExecResult = &sandbox.ExecResult{Stdout: "Starting Metro Bundler\n"}
	m := newTestManager(fake)

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusReady)

	logs, err := m.GetLogs(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if logs != "Starting Metro Bundler\n" {
		t.Errorf("unexpected logs %q", logs)
	}
	if fake.CallCount(sandbox.OpExec) != 1 {
		t.Errorf("expected 1 exec call, got %d", fake.CallCount(sandbox.OpExec))
	}
}

func TestGetLogsNotReady(t *testing.T) {
	fake := sandbox.NewFake()
	fake.SetDelay(sandbox.StepInstall, 200*time.Millisecond)
	m := newTestManager(fake)

	if _, err := m.GetLogs(context.Background(), "ghost"); !apperrs.CodeIs(err, apperrs.CodeNotFound) {
		t.Errorf("expected code %s for unknown project, got %v", apperrs.CodeNotFound, err)
	}

	if _, err := m.CreateServer(context.Background(), "proj-1", appFiles); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	waitForStatus(t, m, "proj-1", StatusInstalling)

	_, err := m.GetLogs(context.Background(), "proj-1")
	if err == nil {
		t.Fatal("expected an error while the server is still provisioning")
	}
	if !apperrs.IsClient(err) {
		t.Errorf("expected a client error, got %v", err)
	}
}
