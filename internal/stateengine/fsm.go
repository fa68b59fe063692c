package stateengine

import (
	"errors"
	"fmt"
)

var (
	ErrTerminal          = errors.New("state is terminal")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Every pre-lock phase may move to any of these; loading is only reachable
// from idle so a connectivity restore can never re-enter it.
var preLockTargets = map[Phase]bool{
	PhaseValidating: true,
	PhaseValidated:  true,
	PhaseInactive:   true,
	PhaseOffline:    true,
	PhaseActive:     true,
}

// Transition checks that moving from -> to is legal and returns the state to
// adopt. A same-phase move is accepted as a no-op except for active, which
// never changes once entered.
func Transition(from, to State) (State, error) {
	if from.Terminal() {
		return from, ErrTerminal
	}
	if to.Phase == PhaseActive && to.URL == "" {
		return from, fmt.Errorf("%w: active requires a url", ErrInvalidTransition)
	}
	if from.Phase == to.Phase {
		return to, nil
	}
	switch from.Phase {
	case PhaseIdle:
		if to.Phase == PhaseLoading {
			return to, nil
		}
	case PhaseLoading, PhaseValidating, PhaseValidated, PhaseInactive, PhaseOffline:
		if preLockTargets[to.Phase] {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
