package cli

import (
	"context"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/campusnet/portal-keeper/src/connectivity_probe"
	"github.com/campusnet/portal-keeper/src/crowsnest"
	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/campusnet/portal-keeper/src/reauth_controller"
)

// CLIMessage represents communication between CLI client and service
type CLIMessage struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// CLIResponse represents a response from the service
type CLIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServiceStatus represents the daemon's view of the network and of the controller
type ServiceStatus struct {
	Running      bool                     `json:"running"`
	Version      string                   `json:"version"`
	Uptime       string                   `json:"uptime"`
	ConfigOK     bool                     `json:"config_ok"`
	Connectivity crowsnest.Snapshot       `json:"connectivity"`
	Controller   reauth_controller.Status `json:"controller"`
}

// ScanReport is the answer to a manual scan
type ScanReport struct {
	Targets       []connectivity_probe.Result            `json:"targets"`
	Reachable     int                                    `json:"reachable"`
	CaptivePortal connectivity_probe.CaptivePortalReport `json:"captive_portal"`
}

// CredentialsView is the stored login settings with the password masked
type CredentialsView struct {
	Username         string `json:"username"`
	PasswordSet      bool   `json:"password_set"`
	ISP              string `json:"isp"`
	PortalURL        string `json:"portal_url"`
	RememberPassword bool   `json:"remember_password"`
	AutoLogin        bool   `json:"auto_login"`
}

// MonitorView is the part of the connectivity monitor the servers use
type MonitorView interface {
	Snapshot() crowsnest.Snapshot
	TriggerCheck()
}

// ControllerView is the part of the reauthentication controller the servers use
type ControllerView interface {
	Status() reauth_controller.Status
	RequestLogin()
	Logout(ctx context.Context) error
}

// Scanner runs the diagnostic multi-target scan
type Scanner interface {
	Scan(ctx context.Context) []connectivity_probe.Result
}

// EventSource is the in-memory event log
type EventSource interface {
	Entries(n int) []event_log.Entry
	Subscribe(buffer int) (<-chan event_log.Entry, func())
	SubscribeWithBacklog(backlog, buffer int) ([]event_log.Entry, <-chan event_log.Entry, func())
}

// SettingsStore reads and edits the settings file
type SettingsStore interface {
	LoadConfig() (*config_manager.Config, error)
	UpdateCredentials(update config_manager.CredentialsUpdate) error
}

// Services bundles what the command and status servers operate on
type Services struct {
	Monitor    MonitorView
	Controller ControllerView
	Scanner    Scanner
	Events     EventSource
	Settings   SettingsStore
	// DetectCaptivePortal is optional; scan omits the portal check when nil
	DetectCaptivePortal func(ctx context.Context) connectivity_probe.CaptivePortalReport
}

var (
	_ MonitorView    = (*crowsnest.Monitor)(nil)
	_ ControllerView = (*reauth_controller.Controller)(nil)
	_ Scanner        = (*connectivity_probe.Prober)(nil)
	_ EventSource    = (*event_log.Log)(nil)
	_ SettingsStore  = (*config_manager.ConfigManager)(nil)
)
