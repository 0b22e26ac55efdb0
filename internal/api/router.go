package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/pds/internal/api/middleware"
	"github.com/kiranshivaraju/pds/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJob        http.HandlerFunc
	UploadArtifact   http.HandlerFunc
	MarkReadyToStart http.HandlerFunc
	CancelJob        http.HandlerFunc
	JobStatus        http.HandlerFunc
	JobResult        http.HandlerFunc
	JobMessages      http.HandlerFunc

	AdminJobResult  http.HandlerFunc
	AdminOutput     http.HandlerFunc
	AdminError      http.HandlerFunc
	AdminMetaData   http.HandlerFunc
	AdminForceState http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(mw.RoleUser, mw.RoleAdmin))

			r.Post("/", orNotImplemented(deps.CreateJob))
			r.Post("/{jobID}/upload/{fileName}", orNotImplemented(deps.UploadArtifact))
			r.Put("/{jobID}/mark-ready-to-start", orNotImplemented(deps.MarkReadyToStart))
			r.Put("/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Get("/{jobID}/status", orNotImplemented(deps.JobStatus))
			r.Get("/{jobID}/result", orNotImplemented(deps.JobResult))
			r.Get("/{jobID}/messages", orNotImplemented(deps.JobMessages))
		})

		r.Route("/api/v1/admin/jobs/{jobID}", func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(mw.RoleAdmin))

			r.Get("/result", orNotImplemented(deps.AdminJobResult))
			r.Get("/stream/output", orNotImplemented(deps.AdminOutput))
			r.Get("/stream/error", orNotImplemented(deps.AdminError))
			r.Get("/metadata", orNotImplemented(deps.AdminMetaData))
			r.Put("/state", orNotImplemented(deps.AdminForceState))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
