// Package stream serves the output, error and metadata text a worker writes
// while a job runs, asking the worker for fresh data when the cached copy is
// too old.
package stream

import (
	"time"

	"github.com/kiranshivaraju/pds/pkg/models"
)

const DefaultCacheWindow = 2 * time.Second

// UpdateChecker decides whether stored stream text can be served as is.
type UpdateChecker struct {
	window time.Duration
}

// NewUpdateChecker treats stream text younger than window as fresh.
func NewUpdateChecker(window time.Duration) UpdateChecker {
	return UpdateChecker{window: window}
}

// IsFresh reports whether j's stream text may be returned at now without a
// refresh. Only RUNNING jobs ever need one.
func (c UpdateChecker) IsFresh(j *models.Job, now time.Time) bool {
	if j.State != models.JobStateRunning {
		return true
	}
	if j.LastStreamTextUpdate == nil {
		return false
	}
	return now.Sub(*j.LastStreamTextUpdate) <= c.window
}

// IsUpdateAvailable reports whether a refresh requested at requested has been
// answered, or made moot because the job left RUNNING.
func (c UpdateChecker) IsUpdateAvailable(j *models.Job, requested time.Time) bool {
	if j.State != models.JobStateRunning {
		return true
	}
	return j.LastStreamTextUpdate != nil && !j.LastStreamTextUpdate.Before(requested)
}

// IsRefreshRequested reports whether a reader is waiting for the worker to
// push stream text.
func (c UpdateChecker) IsRefreshRequested(j *models.Job) bool {
	if j.LastStreamTextRefreshRequest == nil {
		return false
	}
	return j.LastStreamTextUpdate == nil || j.LastStreamTextUpdate.Before(*j.LastStreamTextRefreshRequest)
}
