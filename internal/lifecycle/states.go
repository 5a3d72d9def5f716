package lifecycle

import "github.com/testroom-dev/testroom/internal/session"

// transitions lists the allowed next states for each state. Any
// non-terminal state may be reset to pending by Reconcile, and any state
// that can hold an instance may be forced to stopping.
var transitions = map[session.Status][]session.Status{
	session.StatusPending: {
		session.StatusProvisioning,
		session.StatusTerminated,
	},
	session.StatusProvisioning: {
		session.StatusAwaitingCredentials,
		session.StatusStopping,
		session.StatusTerminated,
		session.StatusPending,
	},
	session.StatusAwaitingCredentials: {
		session.StatusRegistering,
		session.StatusStopping,
		session.StatusTerminated,
		session.StatusPending,
	},
	session.StatusRegistering: {
		session.StatusRunning,
		session.StatusStopping,
		session.StatusTerminated,
		session.StatusPending,
	},
	session.StatusRunning: {
		session.StatusExpired,
		session.StatusStopping,
		session.StatusPending,
	},
	session.StatusExpired: {
		session.StatusTerminated,
		session.StatusPending,
	},
	session.StatusStopping: {
		session.StatusTerminated,
		session.StatusPending,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to session.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// setupStates are the states a provision job moves through.
var setupStates = []session.Status{
	session.StatusProvisioning,
	session.StatusAwaitingCredentials,
	session.StatusRegistering,
}

func isSetup(s session.Status) bool {
	for _, st := range setupStates {
		if s == st {
			return true
		}
	}
	return false
}
