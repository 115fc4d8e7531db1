package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
	"chatrelay/internal/relay"
)

const writeTimeout = 5 * time.Second

// Handler owns the websocket transport.
type Handler struct {
	engine   *relay.Engine
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to engine.
func NewHandler(engine *relay.Engine) *Handler {
	return &Handler{
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
// The optional ?name= query parameter is the session's display name.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	name, err := protocol.NormalizeDisplayName(c.QueryParam("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, name)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, name string) {
	defer conn.Close()
	conn.SetReadLimit(protocol.MaxFrameBytes)

	session, err := h.engine.Connect(name)
	if err != nil {
		writeDirectError(conn, err.Error())
		return
	}
	defer h.engine.Disconnect(session.ID)
	log := slog.With("session_id", session.ID, "remote", conn.RemoteAddr().String())
	log.Info("websocket connected", "name", session.DisplayName)

	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				log.Debug("websocket write failed", "err", err)
				// Unblock the read loop so the session is torn down.
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "err", err)
			}
			log.Info("websocket disconnected")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			metrics.InvalidEvents.WithLabelValues("malformed").Inc()
			log.Debug("malformed frame dropped", "bytes", len(data), "err", err)
			continue
		}
		_ = h.engine.Dispatch(ctx, session.ID, env)
	}
}

func writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.ErrorEvent(errMsg))
}
