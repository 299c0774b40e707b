package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":   "healthy",
		"checks":   checks,
		"sessions": h.sessions.Len(),
	}
	statusCode := http.StatusOK

	switch {
	case h.db == nil:
		checks["database"] = "not configured"
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	default:
		if err := h.db.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			checks["database"] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	if h.chat.Available() {
		checks["agent"] = "ok"
	} else {
		checks["agent"] = "disabled"
	}

	JSON(w, statusCode, status)
}
