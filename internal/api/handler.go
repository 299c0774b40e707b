// Package api provides HTTP handlers for the chat page and its JSON API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/ghassan-labs/askdb/internal/chat"
	"github.com/ghassan-labs/askdb/internal/config"
	"github.com/ghassan-labs/askdb/internal/render"
	"github.com/ghassan-labs/askdb/internal/session"
	"github.com/ghassan-labs/askdb/internal/store"
	"github.com/ghassan-labs/askdb/web"
)

// Handler provides common handler utilities.
type Handler struct {
	cfg      *config.Config
	db       store.Database
	sessions *session.Manager
	hub      *session.Hub
	chat     *chat.Controller
	renderer *render.Renderer
	limiter  *RateLimiter
	page     *template.Template
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(cfg *config.Config, db store.Database, sessions *session.Manager, hub *session.Hub, controller *chat.Controller, renderer *render.Renderer) (*Handler, error) {
	if cfg == nil || sessions == nil || controller == nil || renderer == nil {
		return nil, fmt.Errorf("config, sessions, controller and renderer are required")
	}
	if hub == nil {
		hub = session.NewHub()
	}
	page, err := web.PageTemplate()
	if err != nil {
		return nil, err
	}
	return &Handler{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		hub:      hub,
		chat:     controller,
		renderer: renderer,
		limiter:  NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		page:     page,
	}, nil
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// configError returns the banner text for a disabled agent, or "".
func (h *Handler) configError() string {
	err := h.chat.UnavailableErr()
	switch {
	case err == nil:
		return ""
	case errors.Is(err, config.ErrMissingAPIKey):
		return config.MissingAPIKeyMessage
	default:
		return "The query agent is not available: " + err.Error()
	}
}
