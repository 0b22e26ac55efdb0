package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a delegated scan job.
type JobState string

const (
	JobStateCreated         JobState = "CREATED"
	JobStateReadyToStart    JobState = "READY_TO_START"
	JobStateQueued          JobState = "QUEUED"
	JobStateRunning         JobState = "RUNNING"
	JobStateCancelRequested JobState = "CANCEL_REQUESTED"
	JobStateCanceled        JobState = "CANCELED"
	JobStateDone            JobState = "DONE"
	JobStateFailed          JobState = "FAILED"
)

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{
	JobStateCreated,
	JobStateReadyToStart,
	JobStateQueued,
	JobStateRunning,
	JobStateCancelRequested,
	JobStateCanceled,
	JobStateDone,
	JobStateFailed,
}

// ParseJobState converts s (case-insensitive) into a JobState.
func ParseJobState(s string) (JobState, error) {
	st := JobState(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(AllJobStates, st) {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no further transition is expected from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed || s == JobStateCanceled
}

// OneOf reports whether s is contained in states.
func (s JobState) OneOf(states ...JobState) bool {
	return slices.Contains(states, s)
}

// Job is the persisted delegation job. Rows are only mutated through the job
// transaction service; Version is incremented by the store on every write.
type Job struct {
	ID       uuid.UUID `json:"id"`
	Owner    string    `json:"owner"`
	ServerID string    `json:"server_id"`
	State    JobState  `json:"state"`

	Created time.Time  `json:"created"`
	Started *time.Time `json:"started,omitempty"`
	Ended   *time.Time `json:"ended,omitempty"`

	EncryptedConfiguration  []byte `json:"-"`
	EncryptionInitialVector []byte `json:"-"`

	Result           string `json:"result,omitempty"`
	OutputStreamText string `json:"-"`
	ErrorStreamText  string `json:"-"`
	MetaDataText     string `json:"-"`

	LastStreamTextRefreshRequest *time.Time `json:"-"`
	LastStreamTextUpdate         *time.Time `json:"-"`

	Messages string `json:"-"`
	Version  int64  `json:"version"`
}

// JobStatus is the caller facing view of a job.
type JobStatus struct {
	JobID   uuid.UUID `json:"job_id"`
	Owner   string    `json:"owner"`
	Created string    `json:"created"`
	Started string    `json:"started"`
	Ended   string    `json:"ended"`
	State   JobState  `json:"state"`
}

// Status builds the status view. Unset timestamps become empty strings.
func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:   j.ID,
		Owner:   j.Owner,
		Created: formatTime(&j.Created),
		Started: formatTime(j.Started),
		Ended:   formatTime(j.Ended),
		State:   j.State,
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
