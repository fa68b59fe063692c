package netmon

import "time"

type PathStatus string

const (
	StatusUnknown     PathStatus = ""
	StatusSatisfied   PathStatus = "satisfied"
	StatusUnsatisfied PathStatus = "unsatisfied"
)

func (s PathStatus) Satisfied() bool {
	return s == StatusSatisfied
}

// Hysteresis sets how many consecutive reachability results flip the path status.
type Hysteresis struct {
	DownFailures     int
	RecoverSuccesses int
}

type PathState struct {
	Current              PathStatus
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextStatus folds one reachability result into state. An unknown path takes the
// first result directly.
func NextStatus(h Hysteresis, state PathState, success bool, now time.Time) PathState {
	if h.DownFailures < 1 {
		h.DownFailures = 1
	}
	if h.RecoverSuccesses < 1 {
		h.RecoverSuccesses = 1
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		switch state.Current {
		case StatusUnknown:
			state.Current = StatusSatisfied
			state.LastTransitionAt = now
		case StatusUnsatisfied:
			if state.ConsecutiveSuccesses >= h.RecoverSuccesses {
				state.Current = StatusSatisfied
				state.LastTransitionAt = now
			}
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case StatusUnknown:
		state.Current = StatusUnsatisfied
		state.LastTransitionAt = now
	case StatusSatisfied:
		if state.ConsecutiveFailures >= h.DownFailures {
			state.Current = StatusUnsatisfied
			state.LastTransitionAt = now
		}
	case StatusUnsatisfied:
		// stays down until enough successful checks arrive
	}
	return state
}
