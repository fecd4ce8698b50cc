package run

import "errors"

// ErrInvalidTransition rejects operator or programming misuse before any
// state is mutated. The machine is strictly forward-moving; the only
// sideways move is into Aborted.
var ErrInvalidTransition = errors.New("run: invalid state transition")

// State of a migration run.
type State string

const (
	StateNotStarted       State = "not_started"
	StateBulkLoading      State = "bulk_loading"
	StateBulkVerifying    State = "bulk_verifying"
	StateForwardStreaming State = "forward_streaming"
	StateDraining         State = "draining"
	StateCutoverReady     State = "cutover_ready"
	StateReverseStreaming State = "reverse_streaming"
	StateDecommissioning  State = "decommissioning"
	StateComplete         State = "complete"
	StateAborted          State = "aborted"
)

var adjacency = map[State]State{
	StateNotStarted:       StateBulkLoading,
	StateBulkLoading:      StateBulkVerifying,
	StateBulkVerifying:    StateForwardStreaming,
	StateForwardStreaming: StateDraining,
	StateDraining:         StateCutoverReady,
	StateCutoverReady:     StateReverseStreaming,
	StateReverseStreaming: StateDecommissioning,
	StateDecommissioning:  StateComplete,
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}

// CanAdvanceTo reports whether moving from s to next is legal.
func (s State) CanAdvanceTo(next State) bool {
	if next == StateAborted {
		return !s.Terminal()
	}
	return adjacency[s] == next
}
