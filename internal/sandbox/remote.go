package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RemoteConfig holds the hosted sandbox-execution service configuration
type RemoteConfig struct {
	BaseURL       string
	APIKey        string
	Template      string
	DevServerPort int
}

// Remote is a client for a hosted sandbox-execution service.
type Remote struct {
	config     RemoteConfig
	httpClient *http.Client
}

// NewRemote creates a new remote sandbox client with the provided configuration
func NewRemote(cfg RemoteConfig) *Remote {
	return &Remote{
		config:     cfg,
		httpClient: &http.Client{},
	}
}

type createSandboxRequest struct {
	Name     string `json:"name"`
	Template string `json:"template,omitempty"`
	Files    []File `json:"files"`
}

type sandboxResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Result  struct {
		ID   string `json:"id"`
		Host string `json:"host"`
	} `json:"result"`
}

type execRequest struct {
	Command string `json:"command"`
	Detach  bool   `json:"detach,omitempty"`
}

type execResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Result  struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	} `json:"result"`
}

// Allocate creates a sandbox from the project's file set.
func (c *Remote) Allocate(ctx context.Context, spec AllocSpec) (*Handle, error) {
	payload, err := json.Marshal(createSandboxRequest{
		Name:     spec.ProjectID,
		Template: c.config.Template,
		Files:    spec.Files,
	})
	if err != nil {
		return nil, err
	}

	url := c.config.BaseURL + "/v1/sandboxes"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sandbox API error (status %d): %s", resp.StatusCode, string(body))
	}

	var response sandboxResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("sandbox API returned success=false: %s", response.Error)
	}

	return &Handle{
		ID:   response.Result.ID,
		Host: response.Result.Host,
	}, nil
}

// InstallDependencies runs the package install inside the sandbox and fails
// on a non-zero exit.
func (c *Remote) InstallDependencies(ctx context.Context, h *Handle) error {
	result, err := c.exec(ctx, h, installCommand, false)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("install exited with code %d: %s", result.ExitCode, tail(result.Stderr, 500))
	}
	return nil
}

// StartApplication launches the dev server detached and returns the
// addresses it is reachable at. The service fronts the dev port on a public
// host, so the web and tunnel addresses are the same there.
func (c *Remote) StartApplication(ctx context.Context, h *Handle, startCommand string) (*AppURLs, error) {
	command := fmt.Sprintf("%s > %s 2>&1", startCommand, logFile)
	if _, err := c.exec(ctx, h, command, true); err != nil {
		return nil, err
	}

	public := "https://" + h.Host
	return &AppURLs{
		LocalURL:  fmt.Sprintf("http://localhost:%d", c.config.DevServerPort),
		WebURL:    public,
		TunnelURL: public,
	}, nil
}

// Teardown deletes the sandbox. A sandbox that is already gone is not an
// error.
func (c *Remote) Teardown(ctx context.Context, h *Handle) error {
	url := fmt.Sprintf("%s/v1/sandboxes/%s", c.config.BaseURL, h.ID)
	req, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox API error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Exec runs a command inside the sandbox and returns its output. A non-zero
// exit code is reported in the result, not as an error.
func (c *Remote) Exec(ctx context.Context, h *Handle, command string) (*ExecResult, error) {
	return c.exec(ctx, h, command, false)
}

func (c *Remote) exec(ctx context.Context, h *Handle, command string, detach bool) (*ExecResult, error) {
	payload, err := json.Marshal(execRequest{
		Command: command,
		Detach:  detach,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/sandboxes/%s/exec", c.config.BaseURL, h.ID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sandbox API error (status %d): %s", resp.StatusCode, string(body))
	}

	var response execResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("sandbox API returned success=false: %s", response.Error)
	}

	return &ExecResult{
		Stdout:   response.Result.Stdout,
		Stderr:   response.Result.Stderr,
		ExitCode: response.Result.ExitCode,
	}, nil
}

// setHeaders adds required headers for sandbox API requests
func (c *Remote) setHeaders(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
