// Package sandbox abstracts the runtimes that host generated app previews.
// A Provisioner allocates an isolated runtime for a project's file set,
// installs its dependencies, starts the dev server and tears the runtime
// down again. Backends: a hosted sandbox-execution service (remote), a
// Kubernetes cluster, or a local child process for development.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/appdraft/preview-api/internal/config"
)

// ErrQuotaExceeded reports that the backend refused a new sandbox because a
// capacity or rate quota was hit.
var ErrQuotaExceeded = errors.New("sandbox quota exceeded")

// Commands run inside sandboxes. Every backend execs relative to the project
// root, so the dev-server log path stays relative and works everywhere.
const (
	installCommand = "npm install --no-audit --no-fund"
	logFile        = "dev-server.log"
)

// LogsCommand tails the dev server log inside a sandbox.
const LogsCommand = "tail -n 200 " + logFile

// File is a single entry of a project's file set.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Binary  bool   `json:"binary,omitempty"`
}

// AllocSpec describes the sandbox to allocate.
type AllocSpec struct {
	ProjectID string
	Files     []File
}

// Handle identifies a live sandbox. ID is backend-specific: the hosted
// service's sandbox id, a Kubernetes namespace, or a local work directory.
type Handle struct {
	ID   string
	Host string // externally reachable host, when the backend knows one
}

// AppURLs are the addresses a started application can be reached at.
// TunnelURL is only set by backends that expose a public tunnel.
type AppURLs struct {
	LocalURL  string
	WebURL    string
	TunnelURL string
}

// ExecResult carries the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Provisioner is the capability surface the lifecycle manager drives.
// Teardown must be idempotent: tearing down a sandbox that no longer
// exists returns nil.
type Provisioner interface {
	Allocate(ctx context.Context, spec AllocSpec) (*Handle, error)
	InstallDependencies(ctx context.Context, h *Handle) error
	StartApplication(ctx context.Context, h *Handle, startCommand string) (*AppURLs, error)
	Teardown(ctx context.Context, h *Handle) error
	Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error)
}

// Provisioning step names used in StepError.
const (
	StepAllocate = "allocate"
	StepInstall  = "install"
	StepStart    = "start"
)

// StepError tags a provisioning failure with the phase that produced it, so
// a status report can say whether allocation, dependency install or app
// start went wrong.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// New builds the Provisioner selected by cfg.Provider.
func New(cfg config.SandboxConfig) (Provisioner, error) {
	switch cfg.Provider {
	case "remote":
		return NewRemote(RemoteConfig{
			BaseURL:       cfg.APIURL,
			APIKey:        cfg.APIKey,
			Template:      cfg.Template,
			DevServerPort: cfg.DevServerPort,
		}), nil
	case "kubernetes":
		return NewKubernetes(KubernetesConfig{
			PreviewDomain:   cfg.PreviewDomain,
			Image:           cfg.Image,
			NamespacePrefix: cfg.NamespacePrefix,
			DevServerPort:   cfg.DevServerPort,
		})
	case "local":
		return NewLocal(LocalConfig{
			DevServerPort: cfg.DevServerPort,
		}), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Provider)
	}
}
