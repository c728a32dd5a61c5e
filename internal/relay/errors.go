package relay

import "errors"

var (
	// ErrTooManySessions is returned by the SessionManager at its session cap.
	ErrTooManySessions = errors.New("relay: too many sessions")
	// ErrSessionAlreadyActive is returned when a stable session key (the
	// token's sid claim) already has a live session. One key, one session:
	// otherwise a client could multiply its quotas with parallel connections.
	ErrSessionAlreadyActive = errors.New("relay: session already active")

	errRelayClosed     = errors.New("relay: closed")
	errTooManyBindings = errors.New("relay: too many udp bindings")
)
