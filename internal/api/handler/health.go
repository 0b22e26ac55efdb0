package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/pds/internal/api/response"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// NewHealthHandler returns GET /api/v1/health. It answers 503 when any
// dependency fails its ping.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(deps))}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}

		if resp.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "A dependency is unavailable", resp.Checks)
			return
		}
		response.JSON(w, resp)
	}
}
