package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-video/agent/internal/audit"
	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/internal/status"
)

// waitPollInterval is the cadence at which a start-with-wait request
// re-checks its readiness predicate.
const waitPollInterval = 250 * time.Millisecond

const defaultWaitTimeout = 10 * time.Second

var validWaits = map[string]bool{
	"child":     true,
	"heartbeat": true,
	"detection": true,
	"session":   true,
}

// Server is the operator-facing HTTP API of the supervisor.
type Server struct {
	manager *Manager
	audit   *audit.Logger
	srv     *http.Server
}

func NewServer(port int, manager *Manager, auditLog *audit.Logger) *Server {
	s := &Server{manager: manager, audit: auditLog}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/control/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/control/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/config/classes", s.handleClassesGet).Methods(http.MethodGet)
	r.HandleFunc("/config/classes", s.handleClassesPut).Methods(http.MethodPut)
	r.HandleFunc("/config/classes/catalog", s.handleCatalog).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("operator listener: %w", err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("operator api server", logging.KeyError, err)
		}
	}()
	log.Info("operator api up", "addr", s.srv.Addr)
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "kestrel-manager",
		"manager": s.manager.Snapshot(),
		"agent":   s.agentStatus(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"manager": s.manager.Snapshot(),
		"agent":   s.agentStatus(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait")
	if wait != "" && !validWaits[wait] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown wait predicate %q", wait))
		return
	}
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "timeoutMs must be a positive integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	s.audit.Log(audit.EventControlStart, r.RemoteAddr, map[string]any{"wait": wait})
	if err := s.manager.Start(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if wait == "" {
		writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
		return
	}

	deadline := time.Now().Add(timeout)
	for {
		if s.manager.Ready(wait) {
			writeJSON(w, http.StatusOK, map[string]any{"ready": true, "wait": wait})
			return
		}
		if time.Now().After(deadline) {
			writeJSON(w, http.StatusAccepted, map[string]any{"ready": false, "wait": wait})
			return
		}
		select {
		case <-time.After(waitPollInterval):
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.audit.Log(audit.EventControlStop, r.RemoteAddr, nil)
	if err := s.manager.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stopping": true})
}

func (s *Server) handleClassesGet(w http.ResponseWriter, r *http.Request) {
	overrides, effective, defaults := s.manager.ClassesView()
	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": overrides,
		"effective": effective,
		"defaults":  defaults,
	})
}

func (s *Server) handleClassesPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Classes []string `json:"classes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.manager.UpdateOverrides(body.Classes); err != nil {
		if strings.HasPrefix(err.Error(), "unknown classes") {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			log.Error("override update failed", logging.KeyError, err)
			writeError(w, http.StatusInternalServerError, "failed to persist overrides")
		}
		return
	}
	overrides, effective, defaults := s.manager.ClassesView()
	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": overrides,
		"effective": effective,
		"defaults":  defaults,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"classes": s.manager.CatalogClasses(),
	})
}

// agentStatus returns the child telemetry or an explicit offline marker so
// the operator UI can tell "never polled" from "child down".
func (s *Server) agentStatus() any {
	if snap := s.manager.AgentStatus(); snap != nil {
		return snap
	}
	return status.Snapshot{Online: false}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
