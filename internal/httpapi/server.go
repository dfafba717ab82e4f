// Package httpapi exposes the pod's external HTTP surface: the `/ws`
// upgrade endpoint's session-open handshake, `/health`, and `/metrics`.
//
// Routing uses the standard mux, CORS via gorilla/handlers, a
// panic-recovery wrapper, and a gorilla/websocket upgrade handler. Auth on
// the upgrade request is bearer-token-or-query-param rather than a
// session cookie, since browsers cannot set a custom header on the
// WebSocket upgrade request itself.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabpod/pod/internal/auth"
	"github.com/collabpod/pod/internal/podserver"
	"github.com/collabpod/pod/internal/wire"
)

// Config carries the knobs Server needs beyond its injected dependencies.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	EgressBytes    int
	EgressFrames   int
	SlowClientTO   time.Duration
	DrainTimeout   time.Duration
}

// Server is the pod's HTTP listener.
type Server struct {
	log       *zap.Logger
	registry  *podserver.Registry
	validator *auth.Validator
	metrics   MetricsSink
	health    *HealthChecker
	cfg       Config

	httpServer *http.Server
}

// MetricsSink is the subset of metrics.Registry the HTTP surface needs to
// render /metrics. Declared here rather than imported directly so httpapi
// does not need to know about metrics.Registry's update-actor internals.
type MetricsSink interface {
	WriteText(w io.Writer) error
}

// NewServer wires the mux, CORS, and panic-recovery middleware.
func NewServer(log *zap.Logger, registry *podserver.Registry, validator *auth.Validator, metricsSink MetricsSink, health *HealthChecker, cfg Config) *Server {
	s := &Server{
		log:       log,
		registry:  registry,
		validator: validator,
		metrics:   metricsSink,
		health:    health,
		cfg:       cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(mux)

	h = s.recoverMiddleware(h)

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h,
	}
	return s
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic in http handler", zap.Any("recover", err))
				w.Header().Set("Connection", "close")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP listener, blocking until it exits.
func (s *Server) Start() error {
	s.log.Info("starting pod http server", zap.String("addr", s.cfg.ListenAddr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Check(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.metrics.WriteText(w); err != nil {
		s.log.Error("failed to write metrics", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}

	tokenString := auth.ExtractBearerToken(r)
	if tokenString == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	claims, err := s.validator.ValidateToken(tokenString)
	if err != nil {
		s.log.Info("session token rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.RoomID != "" && claims.RoomID != roomID {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range s.cfg.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	room, err := s.registry.Attach(roomID)
	if err != nil {
		_ = conn.WriteMessage(websocket.BinaryMessage, wire.EncodeError(1, err.Error()))
		_ = conn.Close()
		return
	}

	transport := newWSTransport(conn)
	session := podserver.NewSession(claims.UserID, roomID, transport, room, s.log, podserver.SessionConfig{
		EgressBytes:       s.cfg.EgressBytes,
		EgressFrames:      s.cfg.EgressFrames,
		SlowClientTimeout: s.cfg.SlowClientTO,
		DrainTimeout:      s.cfg.DrainTimeout,
	})

	if err := room.Join(session); err != nil {
		_ = conn.WriteMessage(websocket.BinaryMessage, wire.EncodeError(2, err.Error()))
		_ = conn.Close()
		return
	}

	session.Run(r.Context())
	room.Leave(session)
}
