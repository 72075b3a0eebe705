package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Operations recordable by the Fake beyond the provisioning steps.
const (
	OpTeardown = "teardown"
	OpExec     = "exec"
)

// Fake is an in-memory Provisioner for tests. Errors and delays are injected
// per operation, keyed by StepAllocate, StepInstall, StepStart, OpTeardown
// and OpExec.
type Fake struct {
	mu sync.RWMutex

	// Sandboxes tracks live fake sandboxes by handle ID
	Sandboxes map[string]AllocSpec

	// Errors injects an error for a specific operation
	Errors map[string]error

	// Delays makes an operation block before completing (or until its
	// context is done)
	Delays map[string]time.Duration

	// ExecResult is returned by Exec when no error is injected
	ExecResult *ExecResult

	// URLs is returned by StartApplication
	URLs AppURLs

	// CallLog records operations in order
	CallLog []string

	allocSeq int
}

// NewFake creates a fake provisioner with sensible defaults.
func NewFake() *Fake {
	return &Fake{
		Sandboxes:  make(map[string]AllocSpec),
		Errors:     make(map[string]error),
		Delays:     make(map[string]time.Duration),
		ExecResult: &ExecResult{Stdout: "ok"},
		URLs: AppURLs{
			LocalURL:  "http://localhost:8081",
			WebURL:    "https://fake.preview.test",
			TunnelURL: "https://fake.preview.test",
		},
	}
}

// SetError sets an error to be returned for a specific operation
func (f *Fake) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[op] = err
}

// SetDelay makes an operation block for d before returning
func (f *Fake) SetDelay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Delays[op] = d
}

func (f *Fake) step(ctx context.Context, op string) error {
	f.mu.Lock()
	f.CallLog = append(f.CallLog, op)
	delay := f.Delays[op]
	err := f.Errors[op]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) Allocate(ctx context.Context, spec AllocSpec) (*Handle, error) {
	if err := f.step(ctx, StepAllocate); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.allocSeq++
	id := fmt.Sprintf("fake-%d", f.allocSeq)
	f.Sandboxes[id] = spec
	f.mu.Unlock()

	return &Handle{ID: id, Host: "fake.preview.test"}, nil
}

func (f *Fake) InstallDependencies(ctx context.Context, h *Handle) error {
	return f.step(ctx, StepInstall)
}

func (f *Fake) StartApplication(ctx context.Context, h *Handle, startCommand string) (*AppURLs, error) {
	if err := f.step(ctx, StepStart); err != nil {
		return nil, err
	}

	f.mu.RLock()
	urls := f.URLs
	f.mu.RUnlock()
	return &urls, nil
}

func (f *Fake) Teardown(ctx context.Context, h *Handle) error {
	if err := f.step(ctx, OpTeardown); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.Sandboxes, h.ID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	if err := f.step(ctx, OpExec); err != nil {
		return nil, err
	}

	f.mu.RLock()
	result := *f.ExecResult
	f.mu.RUnlock()
	return &result, nil
}

// Calls returns the operations recorded so far.
func (f *Fake) Calls() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	calls := make([]string, len(f.CallLog))
	copy(calls, f.CallLog)
	return calls
}

// CallCount returns how many times op was recorded.
func (f *Fake) CallCount(op string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, call := range f.CallLog {
		if call == op {
			n++
		}
	}
	return n
}

// Live returns the number of fake sandboxes not yet torn down.
func (f *Fake) Live() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.Sandboxes)
}
