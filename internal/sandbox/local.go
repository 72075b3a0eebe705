package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// LocalConfig holds the local process backend configuration
type LocalConfig struct {
	DevServerPort int
}

// Local runs the dev server as a child process on the host. Meant for
// development without a cluster or a hosted sandbox account.
type Local struct {
	config LocalConfig

	mu   sync.Mutex
	cmds map[string]*exec.Cmd // handle ID (work dir) -> running dev server
}

// NewLocal creates the local backend.
func NewLocal(cfg LocalConfig) *Local {
	return &Local{
		config: cfg,
		cmds:   make(map[string]*exec.Cmd),
	}
}

// Allocate writes the project files into a fresh temp directory.
func (l *Local) Allocate(ctx context.Context, spec AllocSpec) (*Handle, error) {
	dir, err := os.MkdirTemp("", "preview-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	if err := writeProjectFiles(dir, spec.Files); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &Handle{ID: dir, Host: "localhost"}, nil
}

func writeProjectFiles(dir string, files []File) error {
	for _, f := range files {
		if !filepath.IsLocal(f.Path) {
			return fmt.Errorf("unsafe file path %q", f.Path)
		}

		data := []byte(f.Content)
		if f.Binary {
			raw, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				return fmt.Errorf("file %s: invalid base64 content: %w", f.Path, err)
			}
			data = raw
		}

		full := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// InstallDependencies runs the package install in the project directory.
func (l *Local) InstallDependencies(ctx context.Context, h *Handle) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", installCommand)
	cmd.Dir = h.ID

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install failed: %s: %w", tail(stderr.String(), 500), err)
	}
	return nil
}

// StartApplication spawns the dev server detached from ctx; it keeps running
// after provisioning returns and is stopped by Teardown.
func (l *Local) StartApplication(ctx context.Context, h *Handle, startCommand string) (*AppURLs, error) {
	logf, err := os.Create(filepath.Join(h.ID, logFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.Command("sh", "-c", startCommand)
	cmd.Dir = h.ID
	cmd.Stdout = logf
	cmd.Stderr = logf
	// Own process group so Teardown can kill the whole dev-server tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logf.Close()
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}
	logf.Close()

	l.mu.Lock()
	l.cmds[h.ID] = cmd
	l.mu.Unlock()

	// Reap the child when it exits on its own.
	go cmd.Wait()

	base := fmt.Sprintf("http://localhost:%d", l.config.DevServerPort)
	return &AppURLs{
		LocalURL: base,
		WebURL:   base,
	}, nil
}

// Teardown stops the dev server (if still running) and removes the work
// directory. Both steps tolerate the target being gone already.
func (l *Local) Teardown(ctx context.Context, h *Handle) error {
	l.mu.Lock()
	cmd := l.cmds[h.ID]
	delete(l.cmds, h.ID)
	l.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Negative pid targets the process group.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	if err := os.RemoveAll(h.ID); err != nil {
		return fmt.Errorf("failed to remove work dir: %w", err)
	}
	return nil
}

// Exec runs a command in the project directory. A non-zero exit code is
// reported in the result, not as an error.
func (l *Local) Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = h.ID

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("exec failed: %w", err)
		}
	}
	return result, nil
}
