// Package adminapi is the daemon's read-only introspection surface: a
// small Echo HTTP API exposing the live node graph, routes, connections
// and combine-sink state, plus a gorilla/websocket feed of node-graph
// deltas.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NodeView is the wire shape of one node in /nodes and the /ws feed.
type NodeView struct {
	Index     int32  `json:"index"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
	Available bool   `json:"available"`
	Visible   bool   `json:"visible"`
}

// RouteView mirrors one routing-group connection decision.
type RouteView struct {
	FromIndex int32 `json:"from_index"`
	ToIndex   int32 `json:"to_index"`
}

// ConnectionView mirrors one explicit Audio Manager connection.
type ConnectionView struct {
	AMID      int32 `json:"am_id"`
	FromIndex int32 `json:"from_index"`
	ToIndex   int32 `json:"to_index"`
	Blocked   bool  `json:"blocked"`
}

// CombineView describes one multiplex/combine sink's slave set.
type CombineView struct {
	CombinedSinkIndex int32   `json:"combined_sink_index"`
	Class             string  `json:"class"`
	Slaves            []int32 `json:"slaves"`
}

// Source supplies the snapshot data the handlers render. Implemented by
// the daemon's composition root so adminapi never imports discovery,
// tracker, or multiplex directly, only the narrow view it needs.
type Source interface {
	Nodes() []NodeView
	Routes() []RouteView
	Connections() []ConnectionView
	Combines() []CombineView
}

// Server hosts the Echo app and the set of live websocket clients.
type Server struct {
	echo   *echo.Echo
	source Source
	log    *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	closeFn func()
}

// New builds the admin API app, wired against source for snapshot data.
func New(source Source, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		source:   source,
		log:      log,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}
	e.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// Echo exposes the underlying app, primarily for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if c.Request().URL.Path == "/ws" {
				return err
			}
			s.log.Debug("adminapi request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"elapsed", time.Since(start),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/nodes", s.handleNodes)
	s.echo.GET("/routes", s.handleRoutes)
	s.echo.GET("/connections", s.handleConnections)
	s.echo.GET("/combine", s.handleCombine)
	s.echo.GET("/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Nodes())
}

func (s *Server) handleRoutes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Routes())
}

func (s *Server) handleConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Connections())
}

func (s *Server) handleCombine(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Combines())
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts it down gracefully with a 5s deadline.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// handleWebSocket upgrades to a websocket and registers the connection
// as a delta-feed subscriber until the client disconnects.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 32)}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	client.closeFn = func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		_ = conn.Close()
	}

	initial, _ := json.Marshal(map[string]any{"type": "snapshot", "nodes": s.source.Nodes()})
	client.send <- initial

	go s.writePump(client)
	go s.readPump(client)
	return nil
}

func (s *Server) writePump(c *wsClient) {
	defer c.closeFn()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump drains client frames so control frames (ping/close) are
// processed; the admin feed is unidirectional, no client input is acted
// on.
func (s *Server) readPump(c *wsClient) {
	defer c.closeFn()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastNodeDelta pushes a node-graph delta to every connected
// websocket client, dropping it for any client whose send buffer is
// full. cmd/audiopolicyd does not call it, so the daemon's /ws clients
// receive only the initial snapshot.
func (s *Server) BroadcastNodeDelta(kind string, n NodeView) {
	msg, err := json.Marshal(map[string]any{"type": kind, "node": n})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Warn("adminapi: dropping slow websocket client")
		}
	}
}
