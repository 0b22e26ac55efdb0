package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/pds/internal/api/middleware"
	"github.com/kiranshivaraju/pds/internal/api/response"
	pdslog "github.com/kiranshivaraju/pds/internal/log"
	"github.com/kiranshivaraju/pds/internal/workspace"
	"github.com/kiranshivaraju/pds/pkg/models"
)

const defaultMaxUploadBytes = 256 * 1024 * 1024

// JobService is the job lifecycle the handlers expose.
type JobService interface {
	CreateJob(ctx context.Context, owner string, cfg models.JobConfiguration) (uuid.UUID, error)
	MarkReadyToStart(ctx context.Context, id uuid.UUID) error
	ForceState(ctx context.Context, id uuid.UUID, state models.JobState) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error)
	GetJobResult(ctx context.Context, id uuid.UUID) (string, error)
	GetJobResultOrFailureText(ctx context.Context, id uuid.UUID) (string, error)
	GetJobMessages(ctx context.Context, id uuid.UUID) (models.MessageList, error)
}

type CancelRequester interface {
	RequestCancellation(ctx context.Context, id uuid.UUID) error
}

// StreamReader serves live stream text of running jobs.
type StreamReader interface {
	GetJobOutputStream(ctx context.Context, id uuid.UUID) (string, error)
	GetJobErrorStream(ctx context.Context, id uuid.UUID) (string, error)
	GetJobMetaData(ctx context.Context, id uuid.UUID) (string, error)
}

// ArtifactWriter stores uploaded job archives.
type ArtifactWriter interface {
	Put(ctx context.Context, jobID uuid.UUID, name string, r io.Reader) error
}

// Jobs serves the job endpoints.
type Jobs struct {
	jobs           JobService
	cancel         CancelRequester
	streams        StreamReader
	artifacts      ArtifactWriter
	maxUploadBytes int64
}

// NewJobs creates the job handlers. Uploads larger than maxUploadBytes are rejected.
func NewJobs(jobs JobService, cancel CancelRequester, streams StreamReader, artifacts ArtifactWriter, maxUploadBytes int64) *Jobs {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Jobs{
		jobs:           jobs,
		cancel:         cancel,
		streams:        streams,
		artifacts:      artifacts,
		maxUploadBytes: maxUploadBytes,
	}
}

// Create handles POST /api/v1/jobs.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := mw.GetPrincipal(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Missing principal", nil)
		return
	}

	var cfg models.JobConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	id, err := h.jobs.CreateJob(r.Context(), p.ID, cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, createJobResponse{JobID: id})
}

type createJobResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// Upload handles POST /api/v1/jobs/{jobID}/upload/{fileName}. Only the
// source and binary archives are accepted, and only while the job is CREATED.
func (h *Jobs) Upload(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	ctx := pdslog.WithJob(r.Context(), id.String())

	name := chi.URLParam(r, "fileName")
	if err := workspace.ValidateFileName(name); err != nil {
		writeError(w, r, err)
		return
	}
	if name != workspace.SourceArchiveName && name != workspace.BinaryArchiveName {
		response.Error(w, http.StatusBadRequest, "INVALID_FILE_NAME",
			"file name must be "+workspace.SourceArchiveName+" or "+workspace.BinaryArchiveName, nil)
		return
	}

	j, err := h.jobs.Get(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if j.State != models.JobStateCreated {
		response.Error(w, http.StatusNotAcceptable, "STATE_NOT_ACCEPTABLE",
			"uploads are only accepted while the job is "+string(models.JobStateCreated), nil)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := h.artifacts.Put(ctx, id, name, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
				"upload exceeds the configured limit", nil)
			return
		}
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// MarkReadyToStart handles PUT /api/v1/jobs/{jobID}/mark-ready-to-start.
func (h *Jobs) MarkReadyToStart(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.jobs.MarkReadyToStart(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Cancel handles PUT /api/v1/jobs/{jobID}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.cancel.RequestCancellation(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Status returns the status view of a job.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.jobs.GetJobStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, status)
}

// Result returns the result of a DONE job.
func (h *Jobs) Result(w http.ResponseWriter, r *http.Request) {
	h.text(w, r, h.jobs.GetJobResult)
}

func (h *Jobs) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	list, err := h.jobs.GetJobMessages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, list)
}

// ResultOrFailure returns whatever result text is stored, in any state.
func (h *Jobs) ResultOrFailure(w http.ResponseWriter, r *http.Request) {
	h.text(w, r, h.jobs.GetJobResultOrFailureText)
}

// OutputStream returns the live output of a job.
func (h *Jobs) OutputStream(w http.ResponseWriter, r *http.Request) {
	h.text(w, r, h.streams.GetJobOutputStream)
}

func (h *Jobs) ErrorStream(w http.ResponseWriter, r *http.Request) {
	h.text(w, r, h.streams.GetJobErrorStream)
}

func (h *Jobs) MetaData(w http.ResponseWriter, r *http.Request) {
	h.text(w, r, h.streams.GetJobMetaData)
}

// ForceState handles PUT /api/v1/admin/jobs/{jobID}/state.
func (h *Jobs) ForceState(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	state, err := models.ParseJobState(req.State)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if err := h.jobs.ForceState(r.Context(), id, state); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Jobs) text(w http.ResponseWriter, r *http.Request, get func(context.Context, uuid.UUID) (string, error)) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	text, err := get(pdslog.WithJob(r.Context(), id.String()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Text(w, text)
}
