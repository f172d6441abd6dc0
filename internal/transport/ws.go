// Package transport accepts websocket connections from charging stations
// and feeds their frames to the dispatcher. One goroutine per station;
// frames are delivered strictly in arrival order.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"csms/internal/dispatcher"
	"csms/internal/logger"
	"csms/internal/registry"
)

const subprotocol = "ocpp1.6"

const writeTimeout = 10 * time.Second

// Authenticator verifies a station's basic-auth credentials at the
// upgrade (OCPP 1.6 security profile 1). nil disables the check.
type Authenticator interface {
	Authenticate(ctx context.Context, station, secret string) bool
}

type Server struct {
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	auth       Authenticator
	upgrader   websocket.Upgrader
}

func NewServer(d *dispatcher.Dispatcher, reg *registry.Registry, auth Authenticator) *Server {
	return &Server{
		dispatcher: d,
		registry:   reg,
		auth:       auth,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			// Stations are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle serves GET /ocpp/{stationId}: authenticates, upgrades, binds the
// connection, and runs the read loop until the transport closes.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "stationId")
	if identity == "" {
		http.Error(w, "missing station id", http.StatusBadRequest)
		return
	}

	if s.auth != nil {
		user, pass, ok := r.BasicAuth()
		if !ok || user != identity || !s.auth.Authenticate(r.Context(), identity, pass) {
			logger.WsLog.Warnf("station %s: upgrade rejected, bad credentials", identity)
			w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WsLog.Warnf("station %s: upgrade failed: %v", identity, err)
		return
	}

	conn := &wsConn{ws: ws}
	if prev := s.registry.Bind(identity, conn); prev != nil {
		// A new connection from the same identity means the old one is
		// stale; force-close it.
		logger.WsLog.Infof("station %s: superseding stale connection", identity)
		_ = prev.Close()
	}
	s.dispatcher.HandleConnect(identity)
	logger.WsLog.Infof("station %s connected (subprotocol %q)", identity, ws.Subprotocol())

	s.readLoop(identity, conn)
}

func (s *Server) readLoop(identity string, conn *wsConn) {
	defer func() {
		s.dispatcher.HandleDisconnect(identity, conn)
		_ = conn.Close()
	}()

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			logger.WsLog.Debugf("station %s: read loop ended: %v", identity, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.dispatcher.HandleFrame(context.Background(), identity, conn, data)
	}
}

// wsConn serializes writes; gorilla connections allow one concurrent
// writer only.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
