// internal/status/health.go
package status

import (
	"time"

	"github.com/benck/ha-medole/internal/domain"
)

// State is the connection state reported to the host.
type State int

const (
	// Disconnected is also the boot state, before the first good poll.
	Disconnected State = iota
	Connected
	// Degraded means recent cycles failed but the failure threshold
	// has not been reached yet.
	Degraded
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Health is the connection health of one coordinator.
type Health struct {
	State               State
	ConsecutiveFailures int

	// LastError is KindNone when the last cycle succeeded.
	LastError        domain.ErrorKind
	LastErrorMessage string

	LastSuccess time.Time
	Since       time.Time // when State was entered
}

// Available reports whether the host should present the device as available.
func (h Health) Available() bool {
	return h.State != Disconnected
}
