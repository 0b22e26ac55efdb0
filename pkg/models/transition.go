package models

// validTransitions holds the guarded edges of the job state machine, keyed by
// target state. Transitions into RUNNING are unguarded (a restarted worker may
// force a job back into RUNNING) and the orphan path into CANCELED is handled
// by an explicit force operation, so neither appears here.
var validTransitions = map[JobState][]JobState{
	JobStateReadyToStart:    {JobStateCreated},
	JobStateQueued:          {JobStateReadyToStart},
	JobStateDone:            {JobStateRunning},
	JobStateFailed:          {JobStateRunning},
	JobStateCancelRequested: {JobStateRunning},
	JobStateCanceled:        {JobStateCancelRequested},
}

// AcceptedSourceStates returns the states a job must be in before it may move
// to target. A nil result means the transition is not guarded.
func AcceptedSourceStates(target JobState) []JobState {
	if target == JobStateRunning {
		return nil
	}
	accepted, ok := validTransitions[target]
	if !ok {
		return []JobState{}
	}
	return accepted
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobState) bool {
	if to == JobStateRunning {
		return true
	}
	return from.OneOf(validTransitions[to]...)
}
