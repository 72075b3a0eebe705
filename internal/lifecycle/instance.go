package lifecycle

import "time"

// Instance statuses. A provisioning run moves starting → installing →
// ready; failures land on error. Stopped is what reads report when no
// entry exists, an explicit stop or an idle eviction removes the entry.
const (
	StatusStarting   = "starting"
	StatusInstalling = "installing"
	StatusReady      = "ready"
	StatusError      = "error"
	StatusStopped    = "stopped"
)

// ServerInstance is one project's preview sandbox as clients see it. URL
// fields fill in progressively as provisioning advances and stay empty
// until known.
type ServerInstance struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	ExpURL           string    `json:"expUrl,omitempty"`
	LocalURL         string    `json:"localUrl,omitempty"`
	WebURL           string    `json:"webUrl,omitempty"`
	TunnelURL        string    `json:"tunnelUrl,omitempty"`
	ConnectedDevices int       `json:"connectedDevices"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"`
}
