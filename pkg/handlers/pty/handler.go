package pty

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labring/lima-bridge/pkg/common"
	apperrors "github.com/labring/lima-bridge/pkg/errors"
	"github.com/labring/lima-bridge/pkg/router"
	"github.com/labring/lima-bridge/pkg/terminal"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// SpawnResponse carries the id of a new session.
type SpawnResponse struct {
	SessionID string `json:"sessionId"`
}

// WriteRequest is input for a session.
type WriteRequest struct {
	Data string `json:"data"`
}

// ResizeRequest is a new geometry for a session.
type ResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ListResponse lists live sessions.
type ListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

// PTYHandler serves the pseudo-terminal RPC surface over HTTP.
type PTYHandler struct {
	host     *Host
	upgrader websocket.Upgrader
}

// NewPTYHandler creates a handler for host.
func NewPTYHandler(host *Host) *PTYHandler {
	return &PTYHandler{
		host: host,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Spawn handles POST /api/v1/pty/spawn.
func (h *PTYHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	var req terminal.SpawnRequest
	if err := common.ParseJSONBodyReturn(w, r, &req); err != nil {
		return
	}

	sessionID, err := h.host.SpawnPTY(r.Context(), req)
	if err != nil {
		common.WriteErrorResponse(w, common.StatusOperationError, "Failed to spawn pty: %v", err)
		return
	}

	common.WriteSuccessResponse(w, SpawnResponse{SessionID: sessionID})
}

// Write handles POST /api/v1/pty/:id/write.
func (h *PTYHandler) Write(w http.ResponseWriter, r *http.Request) {
	sessionID := router.Param(r, "id")

	var req WriteRequest
	if err := common.ParseJSONBodyReturn(w, r, &req); err != nil {
		return
	}

	if err := h.host.WritePTY(r.Context(), sessionID, []byte(req.Data)); err != nil {
		writeSessionError(w, err)
		return
	}
	common.WriteSuccessResponse(w, struct{}{})
}

// Resize handles POST /api/v1/pty/:id/resize.
func (h *PTYHandler) Resize(w http.ResponseWriter, r *http.Request) {
	sessionID := router.Param(r, "id")

	var req ResizeRequest
	if err := common.ParseJSONBodyReturn(w, r, &req); err != nil {
		return
	}
	if req.Rows == 0 || req.Cols == 0 {
		common.WriteErrorResponse(w, common.StatusValidationError, "rows and cols must be positive")
		return
	}

	if err := h.host.ResizePTY(r.Context(), sessionID, terminal.Size{Rows: req.Rows, Cols: req.Cols}); err != nil {
		writeSessionError(w, err)
		return
	}
	common.WriteSuccessResponse(w, struct{}{})
}

// Close handles POST /api/v1/pty/:id/close.
func (h *PTYHandler) Close(w http.ResponseWriter, r *http.Request) {
	sessionID := router.Param(r, "id")

	if err := h.host.ClosePTY(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	common.WriteSuccessResponse(w, struct{}{})
}

// List handles GET /api/v1/pty.
func (h *PTYHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.host.List()
	common.WriteSuccessResponse(w, ListResponse{Sessions: sessions, Count: len(sessions)})
}

// Attach handles GET /api/v1/pty/:id/attach. Output is sent as binary
// frames; binary frames from the peer are written to the session. A newer
// attach for the same session closes this one.
func (h *PTYHandler) Attach(w http.ResponseWriter, r *http.Request) {
	sessionID := router.Param(r, "id")
	if _, err := h.host.get(sessionID); err != nil {
		// A WebSocket dialer only sees the HTTP status of a failed upgrade.
		apperrors.WriteErrorResponse(w, apperrors.NewSessionNotFoundError(sessionID))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var channel *Channel
	channel, err = h.host.Attach(sessionID, func(data []byte) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			slog.Debug("PTY output write failed", slog.String("session", sessionID), slog.String("error", err.Error()))
			// Closing from the delivering goroutine would wait on itself.
			go conn.Close()
		}
	})
	if err != nil {
		closeWithReason(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer channel.Close()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-channel.Done():
				closeWithReason(conn, websocket.CloseNormalClosure, "session detached")
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("PTY attach read error", slog.String("session", sessionID), slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if err := h.host.WritePTY(r.Context(), sessionID, data); err != nil {
			closeWithReason(conn, websocket.CloseGoingAway, err.Error())
			return
		}
	}
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		common.WriteErrorResponse(w, common.StatusNotFound, "%v", err)
		return
	}
	common.WriteErrorResponse(w, common.StatusOperationError, "%v", err)
}
