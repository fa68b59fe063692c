package stateengine

import "fmt"

// Phase names one variant of the application state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseValidating Phase = "validating"
	PhaseValidated  Phase = "validated"
	PhaseActive     Phase = "active"
	PhaseInactive   Phase = "inactive"
	PhaseOffline    Phase = "offline"
)

// State is the closed set of application states. URL is only meaningful for
// PhaseActive.
type State struct {
	Phase Phase
	URL   string
}

func Idle() State       { return State{Phase: PhaseIdle} }
func Loading() State    { return State{Phase: PhaseLoading} }
func Validating() State { return State{Phase: PhaseValidating} }
func Validated() State  { return State{Phase: PhaseValidated} }
func Inactive() State   { return State{Phase: PhaseInactive} }
func Offline() State    { return State{Phase: PhaseOffline} }

func Active(url string) State {
	return State{Phase: PhaseActive, URL: url}
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s.Phase == PhaseActive
}

// Splash reports whether the presentation layer should keep the splash screen.
func (s State) Splash() bool {
	switch s.Phase {
	case PhaseIdle, PhaseLoading, PhaseValidating, PhaseValidated:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	if s.Phase == PhaseActive {
		return fmt.Sprintf("active(%s)", s.URL)
	}
	return string(s.Phase)
}
