package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/minhvu-dev/fanout-gateway/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via the bearer middleware before the upgrade; the
	// gateway is origin-agnostic.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// HandleDispatchWS serves one streaming dispatch per websocket connection:
// the client sends a single dispatch request frame, receives one JSON
// frame per aggregated event, and the connection closes once the dispatch
// is drained. Client disconnects cancel all in-flight provider calls.
func (h *Handler) HandleDispatchWS(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var req dispatchRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = writeWSError(conn, "invalid dispatch request frame")
		return
	}

	for providerID, secret := range req.Credentials {
		h.registry.SetCredential(providerID, secret)
	}

	if allowed, err := h.limiter.Allow(ctx, userID, req.tokenBudget()); err != nil || !allowed {
		_ = writeWSError(conn, "rate limit exceeded")
		return
	}

	agg, err := h.coord.DispatchStream(ctx, req.history(), req.Targets)
	if err != nil {
		_ = writeWSError(conn, err.Error())
		return
	}

	// Reads only surface disconnects; any inbound frame after the request
	// frame is ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range agg.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			cancel()
			return
		}
		if ev.Done && ev.Usage != nil {
			h.recordStreamUsage(userID, ev)
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "drained"),
		time.Now().Add(wsWriteTimeout))
}

func writeWSError(conn *websocket.Conn, msg string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(map[string]string{"error": msg})
}
