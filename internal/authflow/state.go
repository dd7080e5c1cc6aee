package authflow

import "github.com/mgit-desktop/mgit-auth/internal/providers/catalog"

// State tracks one authorization flow attempt. Failed and Cancelled are
// reachable from any non-terminal state.
type State int32

const (
	StateIdle State = iota
	StateListenerStarting
	StateAwaitingConsent
	StateCodeReceived
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListenerStarting:
		return "listener_starting"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateCodeReceived:
		return "code_received"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the flow can no longer make progress.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EventKind labels flow events delivered on the flow's channel.
type EventKind int

const (
	// EventCodeReceived fires as soon as a valid authorization code lands
	// on the callback listener, before the token exchange runs.
	EventCodeReceived EventKind = iota
	// EventCompleted carries the resolved identity after token exchange
	// and profile fetch succeed.
	EventCompleted
	// EventFailed carries a human-readable reason.
	EventFailed
	// EventCancelled fires on force-stop or collaborator cancellation.
	EventCancelled
)

// Event is the only way flow outcomes reach the coordinating logic; the
// listener goroutine never mutates shared state directly.
type Event struct {
	Kind     EventKind
	Identity *Identity
	Reason   string
}

// Identity is the result of a completed flow: the exchanged token plus the
// profile fields the client consumes.
type Identity struct {
	Provider    catalog.Provider
	Username    string
	Name        string
	AvatarURL   string
	AccessToken string
}

// ConfigError reports missing OAuth application settings. It is surfaced
// immediately and never retried.
type ConfigError struct {
	Provider catalog.Provider
	Field    string
}

func (e *ConfigError) Error() string {
	return "missing " + string(e.Provider) + " OAuth " + e.Field +
		"; set it in the provider application settings before signing in"
}
