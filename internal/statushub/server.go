package statushub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/statsync/internal/cache"
	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/services"
	syncpkg "github.com/kimhsiao/statsync/internal/sync"
	"github.com/kimhsiao/statsync/internal/telemetry"
)

// Source is the read side of the database service the server exposes.
type Source interface {
	GetSyncStatus(ctx context.Context) (*services.SyncStatusReport, error)
	GetPendingConflicts(ctx context.Context) ([]*models.ConflictResolution, error)
	ConflictStatistics(ctx context.Context) (models.ConflictStats, error)
	ForceSync(ctx context.Context) (*syncpkg.SyncResult, error)
	GetPerformanceMetrics() telemetry.Report
	GetCacheStats() cache.Stats
}

// Server is the local status endpoint.
type Server struct {
	source   Source
	hub      *Hub
	logger   *logging.Logger
	upgrader *websocket.Upgrader
	http     *http.Server
}

// NewServer builds a server listening on addr.
func NewServer(addr string, source Source, hub *Hub, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		source: source,
		hub:    hub,
		logger: logger.With("status-server"),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// localOrigin admits requests without an Origin header and browser
// requests from loopback pages only.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/conflicts", s.handleConflicts)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /ws", s.hub.ServeWS(s.upgrader))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", map[string]interface{}{"addr": s.http.Addr})
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "statsync",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.source.GetSyncStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	pending, err := s.source.GetPendingConflicts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.source.ConflictStatistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pending == nil {
		pending = []*models.ConflictResolution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":    pending,
		"statistics": stats,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"performance": s.source.GetPerformanceMetrics(),
		"cache":       s.source.GetCacheStats(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.source.ForceSync(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrSyncNotConfigured):
		status = http.StatusServiceUnavailable
	case apperrors.Is(err, apperrors.ErrInvalid), apperrors.Is(err, apperrors.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
