package crowsnest

import (
	"context"
)

// Checker runs one probe round
type Checker interface {
	Check(ctx context.Context) bool
}

// Trigger requests an early probe round
type Trigger interface {
	TriggerCheck()
}

// ConnectivitySource is the read side of the monitor used by other modules
type ConnectivitySource interface {
	IsConnected() bool
	Snapshot() Snapshot
	Subscribe(buffer int) (<-chan Transition, func())
}

// Ensure Monitor implements the interfaces above
var (
	_ ConnectivitySource = (*Monitor)(nil)
	_ Trigger            = (*Monitor)(nil)
)
