// Package execution claims jobs for this server and runs their products.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCancelRequested is the cancel cause of a job stopped through the registry.
var ErrCancelRequested = errors.New("job cancel requested")

// CancelOutcome is the result of asking this server to stop a job.
type CancelOutcome int

const (
	// CancelOutcomeAlreadyDone means the job was already stopping here.
	CancelOutcomeAlreadyDone CancelOutcome = iota
	CancelOutcomeCanceledNow
	// CancelOutcomeNotFoundLocally means this server is not executing the job.
	CancelOutcomeNotFoundLocally
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelOutcomeAlreadyDone:
		return "already_done"
	case CancelOutcomeCanceledNow:
		return "canceled_now"
	case CancelOutcomeNotFoundLocally:
		return "not_found_locally"
	default:
		return fmt.Sprintf("CancelOutcome(%d)", int(o))
	}
}

type running struct {
	cancel   context.CancelCauseFunc
	canceled bool
}

// Registry tracks the jobs executing in this process.
type Registry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*running
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[uuid.UUID]*running)}
}

// Register records that id is executing; cancel stops it.
func (r *Registry) Register(id uuid.UUID, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return fmt.Errorf("job %s is already executing", id)
	}
	r.jobs[id] = &running{cancel: cancel}
	return nil
}

// Unregister forgets id. Unknown ids are ignored.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// TryCancel stops id if it executes here.
func (r *Registry) TryCancel(_ context.Context, id uuid.UUID) CancelOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	rj, ok := r.jobs[id]
	if !ok {
		return CancelOutcomeNotFoundLocally
	}
	if rj.canceled {
		return CancelOutcomeAlreadyDone
	}
	rj.canceled = true
	rj.cancel(ErrCancelRequested)
	return CancelOutcomeCanceledNow
}

// Running returns how many jobs execute here.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
