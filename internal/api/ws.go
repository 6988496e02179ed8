package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/auth"
	"github.com/grandir66/sanoid-manager/internal/websocket"
)

// WSHandler upgrades live-update subscriptions. Browsers cannot set an
// Authorization header on a websocket handshake, so the access token comes
// in the "token" query parameter instead.
type WSHandler struct {
	hub    *websocket.Hub
	jwt    *auth.JWTManager
	logger *zap.Logger
}

func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwt:    jwtMgr,
		logger: logger.Named("ws_handler"),
	}
}

// Serve handles GET /api/v1/ws?token=...&topics=jobs,node:<id>. Without a
// topics parameter the client gets the firehose topic "jobs".
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		ErrUnauthorized(w)
		return
	}
	if _, err := h.jwt.ValidateAccessToken(token); err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := []string{"jobs"}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = topics[:0]
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	if len(topics) == 0 {
		ErrBadRequest(w, "no valid topics requested")
		return
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
