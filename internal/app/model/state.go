package model

// State is the lifecycle of a soft-deletable row. Active may move to
// Disabled; Disabled is terminal.
type State uint8

const (
	StateActive State = iota + 1
	StateDisabled
)

// StateFromEnabled maps the stored enabled flag onto a State.
func StateFromEnabled(enabled bool) State {
	if enabled {
		return StateActive
	}
	return StateDisabled
}

// Active reports whether the row still takes part in relaying.
func (s State) Active() bool {
	return s == StateActive
}

// Enabled is the column value persisted for s.
func (s State) Enabled() bool {
	return s == StateActive
}

// Disable returns the state after a soft delete and whether it changed.
func (s State) Disable() (State, bool) {
	if s != StateActive {
		return s, false
	}
	return StateDisabled, true
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
