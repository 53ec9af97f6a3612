package crowsnest

import (
	"time"
)

// State is the reduced connectivity of the host
type State int32

const (
	// StateUnknown holds until the first probe round completes
	StateUnknown State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is emitted once per observed change of state
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// IsDisconnectEdge reports a Connected to Disconnected change
func (t Transition) IsDisconnectEdge() bool {
	return t.From == StateConnected && t.To == StateDisconnected
}

// Snapshot is an immutable view of the monitor. A new value is published
// after every completed probe round.
type Snapshot struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	CheckedAt time.Time `json:"checked_at"`
	Rounds    uint64    `json:"rounds"`
}

// EventType represents the type of network event seen by the link watcher
type EventType int

const (
	EventInterfaceUp EventType = iota
	EventInterfaceDown
	EventAddressAdded
	EventAddressDeleted
)

func (e EventType) String() string {
	switch e {
	case EventInterfaceUp:
		return "interface_up"
	case EventInterfaceDown:
		return "interface_down"
	case EventAddressAdded:
		return "address_added"
	case EventAddressDeleted:
		return "address_deleted"
	default:
		return "unknown"
	}
}

// NetworkEvent represents a local network change that may affect egress
type NetworkEvent struct {
	Type          EventType
	InterfaceName string
	GatewayIP     string
	Timestamp     time.Time
}
