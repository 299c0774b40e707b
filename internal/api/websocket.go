package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/ghassan-labs/askdb/internal/identity"
)

const (
	msgTypeTranscript = "transcript"
	msgTypeReply      = "reply"
	msgTypeError      = "error"
)

// socketMessage is sent to the browser over /ws/chat.
type socketMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Failed     bool   `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`
}

// socketInput is one question received over /ws/chat.
type socketInput struct {
	Message string `json:"message"`
}

// ServeChatSocket upgrades to a WebSocket where each received message is one
// question and each reply carries the updated transcript.
func (h *Handler) ServeChatSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)

	h.hub.Register(userID, sessionID, ws)
	defer h.hub.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transcript, err := h.transcript(h.sessions.GetOrCreate(userID, sessionID).Turns())
	if err != nil {
		slog.Error("Failed to render transcript", "error", err, "user_id", userID)
		return
	}
	if err := wsjson.Write(ctx, ws, socketMessage{Type: msgTypeTranscript, Transcript: transcript}); err != nil {
		slog.Debug("Failed to send initial transcript", "error", err)
		return
	}

	h.readLoop(ctx, ws, userID, sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	for {
		var in socketInput
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		msg := h.answerSocket(ctx, userID, sessionID, in.Message)
		if err := wsjson.Write(ctx, ws, msg); err != nil {
			slog.Debug("WebSocket write error", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *Handler) answerSocket(ctx context.Context, userID, sessionID, message string) socketMessage {
	outcome, sess, err := h.submit(ctx, userID, sessionID, message)
	if sess == nil {
		sess = h.sessions.GetOrCreate(userID, sessionID)
	}
	transcript, renderErr := h.transcript(sess.Turns())
	if renderErr != nil {
		slog.Error("Failed to render transcript", "error", renderErr, "user_id", userID)
		return socketMessage{Type: msgTypeError, Error: "failed to render conversation"}
	}

	if err != nil {
		_, text := h.submitErrorStatus(err)
		return socketMessage{Type: msgTypeError, Transcript: transcript, Error: text}
	}
	return socketMessage{Type: msgTypeReply, Transcript: transcript, Failed: outcome.Failed()}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "*" || origin == h.cfg.FrontendURL {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}
