package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
	"chatrelay/internal/relay"
	"chatrelay/internal/ws"
)

// MaxHistoryLimit caps the limit query parameter of the history endpoints.
const MaxHistoryLimit = 200

const pingTimeout = 2 * time.Second

// Pinger reports whether the message store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the Echo application.
type Server struct {
	echo   *echo.Echo
	engine *relay.Engine
	store  Pinger
}

// New constructs an Echo app with websocket + REST routes.
func New(engine *relay.Engine, st Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			metrics.HTTPRequestsTotal.WithLabelValues(v.Method, c.Path(), strconv.Itoa(v.Status)).Inc()
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))

	s := &Server{echo: e, engine: engine, store: st}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/messages", s.handleHistory)
	s.echo.GET("/api/rooms/:id/messages", s.handleHistory)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	ws.NewHandler(s.engine).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", Clients: s.engine.Registry().ClientCount()}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			slog.Warn("health check: store unreachable", "err", err)
			resp.Status = "unavailable"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type stateResponse struct {
	Clients int            `json:"clients"`
	Rooms   map[string]int `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	st := s.engine.Stats()
	return c.JSON(http.StatusOK, stateResponse{
		Clients: st.Clients,
		Rooms:   st.RoomSize,
	})
}

// handleHistory serves the same result as request-history. Without :id it
// covers every room.
func (s *Server) handleHistory(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("id"))
	if len(roomID) > protocol.MaxRoomIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "room id too long")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = min(max(n, 1), MaxHistoryLimit)
	}

	return c.JSON(http.StatusOK, s.engine.History(c.Request().Context(), roomID, limit))
}
