package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ghassan-labs/askdb/internal/chat"
	"github.com/ghassan-labs/askdb/internal/domain"
	"github.com/ghassan-labs/askdb/internal/identity"
	"github.com/ghassan-labs/askdb/internal/render"
	"github.com/ghassan-labs/askdb/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

var errRateLimited = errors.New("rate limit exceeded")

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse carries the appended turns and the updated transcript.
type ChatResponse struct {
	SessionID  string        `json:"session_id"`
	Turns      []domain.Turn `json:"turns"`
	Failed     bool          `json:"failed"`
	Queries    []string      `json:"queries,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Transcript string        `json:"transcript"`
}

// ConversationResponse is the body of GET /api/conversation.
type ConversationResponse struct {
	SessionID  string        `json:"session_id"`
	Turns      []domain.Turn `json:"turns"`
	Lines      []string      `json:"lines"`
	Transcript string        `json:"transcript"`
}

// RegisterRoutes registers the page and chat API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Page)
	r.Post("/", h.SubmitForm)
	r.Post("/reset", h.ResetForm)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/conversation", h.GetConversation)
		r.Post("/chat", h.HandleChat)
		r.Post("/reset", h.HandleReset)
		r.Get("/health", h.Health)
	})

	r.Get("/ws/chat", h.ServeChatSocket)
	r.Handle("/static/*", web.StaticHandler("/static"))
}

// submit runs one exchange for the caller's session.
func (h *Handler) submit(ctx context.Context, userID, sessionID, message string) (*chat.Outcome, *domain.Session, error) {
	if strings.TrimSpace(message) == "" {
		return nil, nil, chat.ErrEmptyInput
	}
	// Rate-limit by userID only so clients cannot bypass throttling by
	// rotating session IDs.
	if !h.limiter.Allow(userID) {
		return nil, nil, errRateLimited
	}

	sess := h.sessions.GetOrCreate(userID, sessionID)
	outcome, err := h.chat.Submit(ctx, sess, message)
	if err != nil {
		return nil, sess, err
	}
	return outcome, sess, nil
}

// submitErrorStatus maps a submit error to an HTTP status and message.
func (h *Handler) submitErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, chat.ErrTurnInFlight):
		return http.StatusConflict, "a question is already being answered"
	case errors.Is(err, chat.ErrAgentUnavailable):
		return http.StatusServiceUnavailable, h.configError()
	default:
		return http.StatusInternalServerError, "failed to answer question"
	}
}

func (h *Handler) transcript(turns []domain.Turn) (string, error) {
	html, err := h.renderer.Render(turns)
	if err != nil {
		return "", err
	}
	return string(html), nil
}

// Page renders the chat page for the caller's session.
func (h *Handler) Page(w http.ResponseWriter, r *http.Request) {
	h.renderPage(w, r, http.StatusOK, "")
}

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, status int, notice string) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	sess := h.sessions.GetOrCreate(userID, sessionID)
	turns := sess.Turns()
	transcript, err := h.renderer.Render(turns)
	if err != nil {
		slog.Error("Failed to render transcript", "error", err, "user_id", userID)
		http.Error(w, "failed to render conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := h.page.Execute(w, web.Page{
		Title:       h.cfg.Title,
		Greeting:    web.Greeting,
		Assistant:   h.renderer.Assistant(),
		ConfigError: h.configError(),
		Notice:      notice,
		Transcript:  transcript,
		SessionID:   sessionID,
		AIEnabled:   h.chat.Available(),
		HasTurns:    len(turns) > 0,
	}); err != nil {
		slog.Warn("Failed to write page", "error", err, "user_id", userID)
	}
}

func latestURL(sessionID string) string {
	return "/?" + url.Values{identity.SessionQueryParam: {sessionID}}.Encode() + "#" + render.LatestAnchor
}

// SubmitForm handles the page's form post and redirects back to the latest
// turn.
func (h *Handler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	_, _, err := h.submit(r.Context(), userID, sessionID, r.PostFormValue("message"))
	switch {
	case err == nil, errors.Is(err, chat.ErrEmptyInput), errors.Is(err, chat.ErrAgentUnavailable):
		// Nothing to report beyond what the page already shows.
	case errors.Is(err, errRateLimited):
		h.renderPage(w, r, http.StatusTooManyRequests, "You are sending questions too quickly. Please wait a moment.")
		return
	case errors.Is(err, chat.ErrTurnInFlight):
		h.renderPage(w, r, http.StatusConflict, "Still working on your previous question.")
		return
	default:
		slog.Error("Chat submit failed", "error", err, "user_id", userID, "session_id", sessionID)
		http.Error(w, "failed to answer question", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, latestURL(sessionID), http.StatusSeeOther)
}

// ResetForm clears the session's conversation and redirects to the page.
func (h *Handler) ResetForm(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	h.sessions.Reset(identity.UserIDFromContext(r.Context()), sessionID)
	http.Redirect(w, r, latestURL(sessionID), http.StatusSeeOther)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled":   h.chat.Available(),
		"config_error": h.configError(),
		"title":        h.cfg.Title,
		"assistant":    h.renderer.Assistant(),
	})
}

// GetConversation returns the caller's conversation.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	turns := h.sessions.GetOrCreate(userID, sessionID).Turns()
	transcript, err := h.transcript(turns)
	if err != nil {
		slog.Error("Failed to render transcript", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to render conversation")
		return
	}

	JSON(w, http.StatusOK, ConversationResponse{
		SessionID:  sessionID,
		Turns:      turns,
		Lines:      h.renderer.Lines(turns),
		Transcript: transcript,
	})
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	slog.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	outcome, sess, err := h.submit(r.Context(), userID, sessionID, req.Message)
	if err != nil {
		status, msg := h.submitErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Chat submit failed", "error", err, "user_id", userID)
		}
		Error(w, status, msg)
		return
	}

	transcript, err := h.transcript(sess.Turns())
	if err != nil {
		slog.Error("Failed to render transcript", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to render conversation")
		return
	}

	h.hub.Push(r.Context(), userID, sessionID, socketMessage{Type: msgTypeTranscript, Transcript: transcript})

	JSON(w, http.StatusOK, ChatResponse{
		SessionID:  sessionID,
		Turns:      []domain.Turn{outcome.User, outcome.Reply},
		Failed:     outcome.Failed(),
		Queries:    outcome.Queries,
		DurationMS: outcome.Duration.Milliseconds(),
		Transcript: transcript,
	})
}

// HandleReset starts a fresh conversation for the caller's session.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	existed := h.sessions.Reset(userID, sessionID)
	h.hub.Push(r.Context(), userID, sessionID, socketMessage{Type: msgTypeTranscript})

	JSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reset",
		"existed": existed,
	})
}
