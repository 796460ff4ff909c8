package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/codefionn/chatrelay/internal/config"
	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/proxy"
	"github.com/codefionn/chatrelay/internal/session"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Server accepts WebSocket connections and hands each one to a Client
type Server struct {
	cfg      *config.Config
	store    *session.Store
	proxy    *proxy.Proxy
	hub      *Hub
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates the WebSocket relay server
func NewServer(cfg *config.Config, store *session.Store, prx *proxy.Proxy) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		proxy: prx,
		hub:   NewHub(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the hub and the HTTP listener. It blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.hub.Run()

	logger.Info("Relay listening on %s", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes the active ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpSrv.Shutdown(ctx)
}

// checkOrigin enforces the configured origin allowlist. An empty list
// allows everything (local development).
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	logger.Warn("Rejected WebSocket origin %q", origin)
	return false
}

// handleWebSocket upgrades the connection and binds it to a session.
// An unknown or absent ?session= id mints a fresh session; the id is
// announced to the peer in a session frame before anything else.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	requested := r.URL.Query().Get("session")
	sess, err := s.store.GetOrCreate(requested)
	if err != nil {
		// Store full. Tell the peer why before dropping the
		// connection; no session exists to serve it.
		logger.Warn("Connection rejected: %v", err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if data, mErr := errorFrame("server is at session capacity, please retry later").Encode(); mErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.Close()
		return
	}

	client := NewClient(s.hub, conn, s.proxy, sess, s.cfg.MaxMessageBytes)
	s.hub.Register(client)

	// Queued ahead of the pumps so it is the first frame on the wire.
	client.sendFrame(sessionFrame(sess.ID))

	go client.WritePump()
	go client.ReadPump()
}

// healthStatus is the /health response body
type healthStatus struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	InFlight    int    `json:"generations_in_flight"`
	Workers     int    `json:"worker_capacity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthStatus{
		Status:      "ok",
		Sessions:    s.store.Len(),
		Connections: s.hub.ClientCount(),
		InFlight:    s.proxy.InFlight(),
		Workers:     s.proxy.Capacity(),
	})
}
