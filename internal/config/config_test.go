package config

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	base := LifecycleConfig{ProvisionBudget: time.Minute, IdleTTL: time.Minute}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "remote provider needs an API URL",
			cfg: Config{
				Sandbox:   SandboxConfig{Provider: "remote"},
				Lifecycle: base,
			},
			wantErr: true,
		},
		{
			name: "remote provider with API URL",
			cfg: Config{
				Sandbox:   SandboxConfig{Provider: "remote", APIURL: "https://sandboxes.example.com"},
				Lifecycle: base,
			},
		},
		{
			name: "kubernetes provider needs a preview domain",
			cfg: Config{
				Sandbox:   SandboxConfig{Provider: "kubernetes"},
				Lifecycle: base,
			},
			wantErr: true,
		},
		{
			name: "local provider needs nothing",
			cfg: Config{
				Sandbox:   SandboxConfig{Provider: "local"},
				Lifecycle: base,
			},
		},
		{
			name: "unknown provider",
			cfg: Config{
				Sandbox:   SandboxConfig{Provider: "docker"},
				Lifecycle: base,
			},
			wantErr: true,
		},
		{
			name: "provision budget must be positive",
			cfg: Config{
				Sandbox:   SandboxConfig{Provider: "local"},
				Lifecycle: LifecycleConfig{IdleTTL: time.Minute},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestBaseURL(t *testing.T) {
	s := ServerConfig{APIBaseURL: "https://preview.example.com"}
	if got := s.BaseURL("/preview/abc"); got != "https://preview.example.com/preview/abc" {
		t.Errorf("unexpected base url %q", got)
	}

	s = ServerConfig{Host: "0.0.0.0", Port: "8080"}
	if got := s.BaseURL("/healthz"); got != "http://localhost:8080/healthz" {
		t.Errorf("unexpected fallback url %q", got)
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("TEST_SWEEP_EVERY", "90s")
	if got := getDurationEnv("TEST_SWEEP_EVERY", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}

	t.Setenv("TEST_SWEEP_EVERY", "not-a-duration")
	if got := getDurationEnv("TEST_SWEEP_EVERY", time.Minute); got != time.Minute {
		t.Errorf("expected the default for an invalid value, got %s", got)
	}

	if got := getDurationEnv("TEST_SWEEP_MISSING", 5*time.Minute); got != 5*time.Minute {
		t.Errorf("expected the default for a missing value, got %s", got)
	}
}
