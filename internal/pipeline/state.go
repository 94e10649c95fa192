package pipeline

import "fmt"

// State is a pipeline run state.
type State string

const (
	StateIdle        State = "idle"
	StateCollecting  State = "collecting"
	StateIndexed     State = "indexed"
	StateGenerating  State = "generating"
	StateGenerated   State = "generated"
	StateEvaluating  State = "evaluating"
	StateEvaluated   State = "evaluated"
	StateTranslating State = "translating"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var transitions = map[State]State{
	StateIdle:        StateCollecting,
	StateCollecting:  StateIndexed,
	StateIndexed:     StateGenerating,
	StateGenerating:  StateGenerated,
	StateGenerated:   StateEvaluating,
	StateEvaluating:  StateEvaluated,
	StateEvaluated:   StateTranslating,
	StateTranslating: StateDone,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanAdvance reports whether from → to is a legal edge. Every non-terminal
// state may move to Failed.
func CanAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := transitions[from]
	return ok && next == to
}

func advance(from, to State) error {
	if !CanAdvance(from, to) {
		return fmt.Errorf("illegal pipeline transition %s -> %s", from, to)
	}
	return nil
}
