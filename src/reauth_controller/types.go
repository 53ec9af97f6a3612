package reauth_controller

import (
	"errors"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/campusnet/portal-keeper/src/crowsnest"
)

// ErrCampaignActive is returned by manual operations that would overlap a
// running campaign.
var ErrCampaignActive = errors.New("a reauthentication campaign is in progress")

// State of the controller's state machine
type State int32

const (
	StateIdle State = iota
	StateCampaignRunning
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateCampaignRunning:
		return "campaign_running"
	case StateCooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AllStates lists every state, for exporters that need one series per state
var AllStates = []State{StateIdle, StateCampaignRunning, StateCooldown}

// Outcome of the most recent login attempt
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeConfigError Outcome = "config_error"
)

// Status is an immutable view of the controller. A new value is published on
// every change.
type Status struct {
	State         State     `json:"state"`
	AttemptCount  int       `json:"attempt_count"`
	InProgress    bool      `json:"in_progress"`
	CampaignID    string    `json:"campaign_id,omitempty"`
	LastOutcome   Outcome   `json:"last_outcome,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Suppressed    bool      `json:"suppressed"`
}

// Connectivity is what the controller needs from the monitor
type Connectivity interface {
	crowsnest.ConnectivitySource
	crowsnest.Trigger
}

// CredentialStore supplies the current settings. It is consulted at the
// start of every campaign and again after every cooldown.
type CredentialStore interface {
	LoadConfig() (*config_manager.Config, error)
}

var _ CredentialStore = (*config_manager.ConfigManager)(nil)

// campaign triggers
const (
	triggerDisconnect = "disconnect"
	triggerManual     = "manual"
)

// campaign results
const (
	resultSuccess     = "success"
	resultConnected   = "connected"
	resultConfigError = "config_error"
	resultDisabled    = "auto_login_disabled"
	resultShutdown    = "shutdown"
)
