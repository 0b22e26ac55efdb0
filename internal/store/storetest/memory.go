// Package storetest provides an in-memory store.Store for service tests. It
// enforces the same version checks as the Postgres store.
package storetest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/store"
	"github.com/kiranshivaraju/pds/pkg/models"
)

// MemoryStore keeps jobs in a map guarded by a mutex.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	// BeforeUpdate, when set, runs before every UpdateJob; returning an error
	// fails the update. Tests use it to inject conflicts.
	BeforeUpdate func(job *models.Job) error

	updates int
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// InTx runs fn directly. Partial writes are not rolled back.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.Created.IsZero() {
		job.Created = time.Now().UTC()
	}
	job.Version = 0
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	hook := s.BeforeUpdate
	s.mu.Unlock()
	if hook != nil {
		if err := hook(job); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != job.Version {
		return store.ErrConcurrencyConflict
	}
	next := clone(job)
	next.Owner, next.ServerID, next.Created = cur.Owner, cur.ServerID, cur.Created
	next.EncryptedConfiguration, next.EncryptionInitialVector = cur.EncryptedConfiguration, cur.EncryptionInitialVector
	next.Version = cur.Version + 1
	s.jobs[job.ID] = next
	job.Version = next.Version
	s.updates++
	return nil
}

func (s *MemoryStore) NextJobToExecute(_ context.Context, serverID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*models.Job
	for _, j := range s.jobs {
		if j.State == models.JobStateReadyToStart && j.ServerID == serverID {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].Created.Before(candidates[b].Created) })
	oldest := candidates[0]
	oldest.Version++
	return clone(oldest), nil
}

func (s *MemoryStore) CountJobsInState(_ context.Context, serverID string, state models.JobState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.ServerID == serverID && j.State == state {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListJobsInState(_ context.Context, state models.JobState) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Created.Before(out[b].Created) })
	return out, nil
}

func (s *MemoryStore) DeleteJobsOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Created.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Put stores job as-is, bypassing version checks. Test setup only.
func (s *MemoryStore) Put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
}

// Updates returns how many successful UpdateJob calls were made.
func (s *MemoryStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func clone(j *models.Job) *models.Job {
	c := *j
	c.Started = cloneTime(j.Started)
	c.Ended = cloneTime(j.Ended)
	c.LastStreamTextRefreshRequest = cloneTime(j.LastStreamTextRefreshRequest)
	c.LastStreamTextUpdate = cloneTime(j.LastStreamTextUpdate)
	c.EncryptedConfiguration = slices.Clone(j.EncryptedConfiguration)
	c.EncryptionInitialVector = slices.Clone(j.EncryptionInitialVector)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
