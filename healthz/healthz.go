// Package healthz serves liveness and readiness endpoints.
package healthz

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type Handler struct {
	checks map[string]Check
}

// New returns a handler that answers 200 OK when every check passes.  With no
// checks it is a plain liveness endpoint.
func New(checks map[string]Check) *Handler {
	return &Handler{checks: checks}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", slog.String("check", name), slog.Any("err", err))
			http.Error(w, "503 Service Unavailable: "+name, http.StatusServiceUnavailable)
			return
		}
	}

	w.Write([]byte("200 OK"))
}
