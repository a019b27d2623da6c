package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dawsonlp/localport/pkg/logging"
	"go.uber.org/zap"
)

// controlServer exposes the daemon's control surface over a unix socket.
// The CLI frontend is its only intended consumer.
type controlServer struct {
	http       *http.Server
	socketPath string
	daemon     *Daemon
	draining   atomic.Bool
	log        *zap.SugaredLogger
}

func newControlServer(d *Daemon, socketPath string) *controlServer {
	s := &controlServer{
		socketPath: socketPath,
		daemon:     d,
		log:        logging.For("control"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/orphans", s.handleOrphans)
		r.Get("/logs/{service}", s.handleLogs)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/reload", s.handleReload)
		r.Post("/shutdown", s.handleShutdown)
		r.Post("/orphans/cleanup", s.handleCleanup)
	})

	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// start binds the socket and serves in the background. A stale socket from
// a dead daemon is replaced; a socket with a live daemon behind it is an
// error.
func (s *controlServer) start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		if probeSocket(s.socketPath) {
			return fmt.Errorf("another daemon is already listening on %s", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding control socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("control server stopped", "error", err)
		}
	}()
	s.log.Infow("control socket ready", "path", s.socketPath)
	return nil
}

func (s *controlServer) stop(ctx context.Context) {
	_ = s.http.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

// setDraining makes mutating endpoints refuse new work during shutdown.
func (s *controlServer) setDraining(v bool) {
	s.draining.Store(v)
}

func probeSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.statusSnapshot())
}

func (s *controlServer) handleOrphans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OrphansResponse{Orphans: s.daemon.sup.Orphans()})
}

func (s *controlServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	id, ok := s.daemon.sup.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown service %q", name))
		return
	}
	path, ok := s.daemon.sup.LogPath(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no log recorded for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{Service: name, Path: path})
}

func (s *controlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, errors.New("daemon is draining"))
		return
	}
	var sel Selector
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := s.daemon.startSelected(sel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Results: results})
}

func (s *controlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	var sel Selector
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := s.daemon.stopSelected(sel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Results: results})
}

func (s *controlServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, errors.New("daemon is draining"))
		return
	}
	summary, err := s.daemon.reload()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ReloadResponse{Summary: summary})
}

func (s *controlServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	s.daemon.requestShutdown()
}

func (s *controlServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	// An empty or absent body selects every orphan.
	var req CleanupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	results := s.daemon.sup.CleanupOrphans(req.ServiceIDs)
	writeJSON(w, http.StatusOK, ControlResponse{Results: results})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
