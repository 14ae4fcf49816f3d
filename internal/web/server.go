// Package web exposes the polled account state over HTTP: Prometheus scrape
// endpoint, JSON snapshot/health accessors and a WebSocket stream of position
// lifecycle events.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/bywatch/internal/domain"
	"github.com/vadiminshakov/bywatch/internal/services/poller"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// accountSource is the read side of the polling coordinator.
type accountSource interface {
	Snapshot() (*domain.AccountSnapshot, bool)
	State() poller.State
	Available() bool
	ConsecutiveFailures() int
	SubscribeChanges() chan domain.ChangeSet
	UnsubscribeChanges(chan domain.ChangeSet)
	SubscribeAvailability() chan bool
	UnsubscribeAvailability(chan bool)
}

// Server exposes HTTP endpoints for metrics scraping and live inspection.
type Server struct {
	addr     string
	source   accountSource
	metrics  http.Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP server. metricsHandler serves /metrics
// (typically promhttp for the process registry).
func NewServer(addr string, source accountSource, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		source:  source,
		metrics: metricsHandler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/positions", s.handlePositionStream)
	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

type snapshotResponse struct {
	Snapshot *domain.AccountSnapshot `json:"snapshot"`
	Stale    bool                    `json:"stale"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, stale := s.source.Snapshot()
	if snapshot == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no snapshot published yet"})
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snapshot, Stale: stale})
}

type healthResponse struct {
	State               string `json:"state"`
	Available           bool   `json:"available"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		State:               s.source.State().String(),
		Available:           s.source.Available(),
		ConsecutiveFailures: s.source.ConsecutiveFailures(),
	}
	status := http.StatusOK
	if !resp.Available {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// streamMessage is one WebSocket frame on /ws/positions.
type streamMessage struct {
	Type string `json:"type"` // "positions" or "availability"
	Data any    `json:"data"`
}

// handlePositionStream pushes every reconciliation change set and
// availability flip to the connected client.
func (s *Server) handlePositionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	changes := s.source.SubscribeChanges()
	defer s.source.UnsubscribeChanges(changes)
	availability := s.source.SubscribeAvailability()
	defer s.source.UnsubscribeAvailability(availability)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	write := func(msg streamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := write(streamMessage{Type: "positions", Data: change}); err != nil {
				return
			}
		case available, ok := <-availability:
			if !ok {
				return
			}
			if err := write(streamMessage{Type: "availability", Data: available}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
