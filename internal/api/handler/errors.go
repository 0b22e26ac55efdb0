package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/api/response"
	"github.com/kiranshivaraju/pds/internal/job"
	"github.com/kiranshivaraju/pds/internal/stream"
	"github.com/kiranshivaraju/pds/internal/workspace"
)

// writeError maps service errors to response envelopes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, job.ErrNotAcceptable):
		response.Error(w, http.StatusNotAcceptable, "STATE_NOT_ACCEPTABLE", err.Error(), nil)
	case errors.Is(err, job.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, workspace.ErrInvalidFileName):
		response.Error(w, http.StatusBadRequest, "INVALID_FILE_NAME", err.Error(), nil)
	case errors.Is(err, job.ErrUpdateFailed):
		slog.WarnContext(r.Context(), "job update failed", "error", err)
		response.Error(w, http.StatusConflict, "UPDATE_CONFLICT",
			"The job was changed concurrently, try again", nil)
	case errors.Is(err, stream.ErrRefreshTimeout):
		response.Error(w, http.StatusGatewayTimeout, "REFRESH_TIMEOUT", err.Error(), nil)
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
