package workflow

import (
	"fmt"

	"github.com/pitabwire/assent/model"
)

// ReplayedState is the portion of an instance reconstructible from its
// history trail alone.
type ReplayedState struct {
	CurrentState    string
	Data            map[string]any
	EscalationCount int
	EscalationLevel int
}

// Replay folds an instance's history entries into the state they imply.
// Entries must be the complete trail in Seq order; a gap, duplicate, or
// out-of-order Seq fails the replay, since it means the trail was
// tampered with or partially written.
func Replay(entries []model.HistoryEntry) (ReplayedState, error) {
	var rs ReplayedState
	if len(entries) == 0 {
		return rs, fmt.Errorf("replay: empty history")
	}

	for i, e := range entries {
		if e.Seq != i+1 {
			return ReplayedState{}, fmt.Errorf("replay: history seq %d at position %d, want %d", e.Seq, i, i+1)
		}
		rs.CurrentState = e.ToState
		if e.DataAfter != nil {
			rs.Data = e.DataAfter
		}
		if e.ActionType == model.ActionEscalation {
			rs.EscalationCount++
			if e.EscalationLevel > rs.EscalationLevel {
				rs.EscalationLevel = e.EscalationLevel
			}
		}
	}
	return rs, nil
}

// VerifyReplay replays the trail and checks it against the stored
// instance. A mismatch indicates history and instance state diverged,
// which the atomic write discipline is supposed to make impossible.
func VerifyReplay(inst model.ProcessInstance, entries []model.HistoryEntry) error {
	rs, err := Replay(entries)
	if err != nil {
		return err
	}
	if rs.CurrentState != inst.CurrentState {
		return fmt.Errorf("replay: state %q diverges from stored %q", rs.CurrentState, inst.CurrentState)
	}
	if rs.EscalationCount != inst.EscalationCount {
		return fmt.Errorf("replay: escalation count %d diverges from stored %d", rs.EscalationCount, inst.EscalationCount)
	}
	return nil
}
