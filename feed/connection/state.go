package connection

import (
	"time"
)

// State is the lifecycle state of the streaming connection
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Availability is the outcome of the startup reachability probe
type Availability int

const (
	AvailabilityChecking Availability = iota
	AvailabilityAvailable
	AvailabilityUnavailable
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityUnavailable:
		return "unavailable"
	default:
		return "checking"
	}
}

// RetryConfig holds reconnect parameters
type RetryConfig struct {
	BaseDelay  time.Duration // delay before the first reconnect, e.g. 5 seconds
	MaxDelay   time.Duration // zero means uncapped
	MaxRetries int           // reconnects before falling back to mock data
	Multiplier float64       // e.g. 2.0
}

// DefaultRetryConfig reconnects after 5s, 10s, 20s, 40s and 80s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  5 * time.Second,
		MaxRetries: 5,
		Multiplier: 2,
	}
}

// ConnectionHealth tracks connection health
type ConnectionHealth struct {
	State           State
	Availability    Availability
	MockMode        bool
	RetryAttempt    int           // reconnects scheduled since the last successful open
	NextRetryDelay  time.Duration // delay of the pending reconnect, zero when none
	FailureCount    int           // unexpected closes over the lifetime of the manager
	LastFailureTime time.Time
	LastError       string
}
