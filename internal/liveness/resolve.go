// Package liveness turns activity and visibility signals into the single
// status a session advertises.
package liveness

import "basegraph.app/livesync/internal/model"

type Signal string

const (
	SignalInteraction Signal = "interaction"
	SignalIdleTimeout Signal = "idle_timeout"
	SignalHidden      Signal = "hidden"
	SignalVisible     Signal = "visible"
	SignalUnload      Signal = "unload"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalInteraction, SignalIdleTimeout, SignalHidden, SignalVisible, SignalUnload:
		return true
	}
	return false
}

// State is what the signals observed so far say about the session.
type State struct {
	Unloaded bool
	Hidden   bool
	Idle     bool
}

// Resolve applies the precedence unload > hidden > idle > online.
func Resolve(s State) model.Status {
	switch {
	case s.Unloaded:
		return model.StatusOffline
	case s.Hidden:
		return model.StatusAway
	case s.Idle:
		return model.StatusAway
	default:
		return model.StatusOnline
	}
}

// Next folds one signal into the state. Unload is terminal. An interaction
// clears idleness but never visibility: a hidden session stays away until it
// becomes visible again.
func Next(s State, sig Signal) State {
	if s.Unloaded {
		return s
	}
	switch sig {
	case SignalInteraction:
		s.Idle = false
	case SignalIdleTimeout:
		s.Idle = true
	case SignalHidden:
		s.Hidden = true
	case SignalVisible:
		s.Hidden = false
		s.Idle = false
	case SignalUnload:
		s.Unloaded = true
	}
	return s
}

// ResolveAll folds signals from the zero state and resolves the result.
func ResolveAll(signals ...Signal) model.Status {
	var s State
	for _, sig := range signals {
		s = Next(s, sig)
	}
	return Resolve(s)
}
