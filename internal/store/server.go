package store

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/kestrel-video/agent/internal/health"
	"github.com/kestrel-video/agent/pkg/api"
)

var (
	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_store_sessions_opened_total",
		Help: "Sessions created via /sessions/open.",
	})
	sessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_store_sessions_closed_total",
		Help: "Sessions closed via /sessions/close.",
	})
	framesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_store_frames_ingested_total",
		Help: "Frames accepted via /ingest.",
	})
	hookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_store_hook_events_total",
		Help: "MediaMTX hook calls by kind.",
	}, []string{"hook"})
)

// Server is the session store HTTP service.
type Server struct {
	cfg      *Config
	db       *DB
	hub      *Hub
	archiver *Archiver
	monitor  *health.Monitor
	srv      *http.Server
	ln       net.Listener
}

// NewServer wires the store handlers over the given database. The archiver
// may be nil when archiving is disabled.
func NewServer(cfg *Config, db *DB, archiver *Archiver) *Server {
	s := &Server{
		cfg:      cfg,
		db:       db,
		hub:      NewHub(),
		archiver: archiver,
		monitor:  health.NewMonitor(),
	}
	s.monitor.Update("db", health.Healthy, "")

	r := mux.NewRouter()

	// Agent-facing write API.
	r.HandleFunc("/sessions/open", s.handleOpen).Methods(http.MethodPost)
	r.HandleFunc("/sessions/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/detections", s.handleDetections).Methods(http.MethodPost)
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)

	// Read API. /sessions/range must beat the {id} route.
	r.HandleFunc("/sessions/range", s.handleRange).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/meta", s.handleMeta).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/index", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/segment/{i}", s.handleSegment).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/clip", s.handleClip).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/frames/{seq}", s.handleFrame).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/archive", s.handleArchiveNow).Methods(http.MethodPost)

	// MediaMTX hooks.
	r.HandleFunc("/hooks/mediamtx/publish", s.hook("publish", s.hookPublish)).Methods(http.MethodPost)
	r.HandleFunc("/hooks/mediamtx/record/segment/start", s.hook("segment_start", s.hookSegmentStart)).Methods(http.MethodPost)
	r.HandleFunc("/hooks/mediamtx/record/segment/complete", s.hook("segment_complete", s.hookSegmentComplete)).Methods(http.MethodPost)

	r.Handle("/live/events", s.hub).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener (capped at MaxConns concurrent connections) and
// serves until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("store listen %s: %w", s.cfg.HTTPAddr, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.ln = ln
	log.Info("store listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("store server stopped", "error", err.Error())
		}
	}()
	return nil
}

// Close drains the HTTP server and disconnects live clients.
func (s *Server) Close(ctx context.Context) error {
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req api.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SessionID == "" || req.DevID == "" || req.Path == "" || req.StartTs <= 0 {
		writeError(w, http.StatusBadRequest, "sessionId, devId, path and startTs are required")
		return
	}
	if _, err := sessionDir(s.cfg.StoragePath, req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	rec, created, err := s.db.OpenSession(r.Context(), req)
	if errors.Is(err, ErrPathBusy) {
		writeError(w, http.StatusConflict, "path already has an open session")
		return
	}
	if err != nil {
		s.dbError(w, err)
		return
	}

	if created {
		sessionsOpened.Inc()
		s.hub.Broadcast(LiveSessionOpen, rec)
		log.Info("session opened", "sessionId", rec.SessionID, "path", rec.Path)
		writeJSON(w, http.StatusCreated, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req api.CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	err := s.db.CloseSession(r.Context(), req)
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		s.dbError(w, err)
		return
	}

	rec, err := s.db.GetSession(r.Context(), req.SessionID)
	if err != nil {
		s.dbError(w, err)
		return
	}
	sessionsClosed.Inc()
	s.hub.Broadcast(LiveSessionClose, rec)
	log.Info("session closed", "sessionId", rec.SessionID)

	if s.archiver != nil {
		s.archiver.Enqueue(rec.SessionID)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	var req api.DetectionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	inserted, total, err := s.db.UpsertDetections(r.Context(), req.SessionID, req.Detections, req.Ts)
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		s.dbError(w, err)
		return
	}
	if err := s.db.ExtendClasses(r.Context(), req.SessionID, detectionClasses(req.Detections)); err != nil {
		s.dbError(w, err)
		return
	}

	s.hub.Broadcast(LiveDetections, map[string]any{
		"sessionId": req.SessionID,
		"inserted":  inserted,
		"total":     total,
	})
	writeJSON(w, http.StatusOK, api.DetectionsResponse{Inserted: inserted, Total: total})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.MaxIngestBody)
	if err := r.ParseMultipartForm(api.MaxIngestBody); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large or malformed")
		return
	}

	var meta api.IngestMeta
	if err := json.Unmarshal([]byte(r.FormValue("meta")), &meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid meta part")
		return
	}
	if meta.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	dir, err := sessionDir(s.cfg.StoragePath, meta.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if _, err := s.db.GetSession(r.Context(), meta.SessionID); err != nil {
		if errors.Is(err, ErrNoSession) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		s.dbError(w, err)
		return
	}

	frame, _, err := r.FormFile("frame")
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame part missing")
		return
	}
	defer frame.Close()

	framesDir := filepath.Join(dir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	name := fmt.Sprintf("%08d.jpg", meta.SeqNo)
	dst, err := os.Create(filepath.Join(framesDir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if _, err := io.Copy(dst, frame); err != nil {
		dst.Close()
		writeError(w, http.StatusInternalServerError, "frame write failed")
		return
	}
	if err := dst.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "frame write failed")
		return
	}

	frameURL := fmt.Sprintf("/sessions/%s/frames/%d", meta.SessionID, meta.SeqNo)
	dets := make([]api.Detection, len(meta.Detections))
	for i, det := range meta.Detections {
		det.URLFrame = frameURL
		if det.Ts == 0 {
			det.Ts = meta.CaptureTs
		}
		dets[i] = det
	}
	if len(dets) > 0 {
		if _, _, err := s.db.UpsertDetections(r.Context(), meta.SessionID, dets, meta.CaptureTs); err != nil {
			s.dbError(w, err)
			return
		}
		if err := s.db.ExtendClasses(r.Context(), meta.SessionID, detectionClasses(dets)); err != nil {
			s.dbError(w, err)
			return
		}
	}

	framesIngested.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"saved":    true,
		"urlFrame": frameURL,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.db.ListSessions(r.Context(), limit)
	if err != nil {
		s.dbError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": emptyIfNil(recs)})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil || to < from {
		writeError(w, http.StatusBadRequest, "from and to must be epoch milliseconds with from <= to")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	recs, err := s.db.ListRange(r.Context(), from, to, limit)
	if err != nil {
		s.dbError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": emptyIfNil(recs)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.session(w, r)
	if !ok {
		return
	}
	dets, err := s.db.GetDetections(r.Context(), rec.SessionID)
	if err != nil {
		s.dbError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    rec,
		"detections": emptyIfNil(dets),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	s.serveSessionFile(w, r, "meta.json")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.serveSessionFile(w, r, "index.json")
}

// serveSessionFile serves a small JSON artifact from the session directory.
func (s *Server) serveSessionFile(w http.ResponseWriter, r *http.Request, name string) {
	rec, ok := s.session(w, r)
	if !ok {
		return
	}
	dir, err := sessionDir(s.cfg.StoragePath, rec.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, name+" not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(mux.Vars(r)["i"])
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "segment index must be a non-negative integer")
		return
	}
	dir, err := sessionDir(s.cfg.StoragePath, rec.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	path, encoding, err := findSegment(dir, index)
	if err != nil {
		writeError(w, http.StatusNotFound, "segment not found")
		return
	}
	closed := segmentClosed(dir, index, rec.Status == api.StatusClosed)
	serveSegment(w, r, path, encoding, closed)
}

// handleClip builds a playback URL against the media server. Only closed
// sessions have a bounded clip.
func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.session(w, r)
	if !ok {
		return
	}
	if rec.Status != api.StatusClosed || rec.EndTs == nil {
		writeError(w, http.StatusConflict, "session is still open")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mp4"
	}

	offset := int64(s.cfg.PlaybackStartOffset)
	if rec.RecommendedStartOffsetMs != nil {
		offset = *rec.RecommendedStartOffsetMs
	}
	start := rec.StartTs + offset

	extra := float64(s.cfg.PlaybackExtraSeconds)
	if rec.PostrollSec != nil && *rec.PostrollSec > extra {
		extra = *rec.PostrollSec
	}
	duration := float64(*rec.EndTs-start)/1000.0 + extra
	if duration < 0 {
		duration = extra
	}

	q := url.Values{}
	q.Set("path", rec.Path)
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("duration", fmt.Sprintf("%gs", duration))
	q.Set("format", format)

	writeJSON(w, http.StatusOK, api.ClipResponse{
		SessionID:   rec.SessionID,
		URL:         strings.TrimRight(s.cfg.MediaBaseURL, "/") + "/get?" + q.Encode(),
		StartTs:     start,
		DurationSec: duration,
		Format:      format,
	})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dir, err := sessionDir(s.cfg.StoragePath, vars["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	seq, err := strconv.ParseUint(vars["seq"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame sequence number")
		return
	}
	path := filepath.Join(dir, "frames", fmt.Sprintf("%08d.jpg", seq))
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "frame not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", cacheClosed)
	http.ServeFile(w, r, path)
}

func (s *Server) handleArchiveNow(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.archiver == nil {
		writeError(w, http.StatusConflict, "archiving is disabled")
		return
	}
	if rec.Status != api.StatusClosed {
		writeError(w, http.StatusConflict, "session is still open")
		return
	}
	if !s.archiver.Enqueue(rec.SessionID) {
		writeError(w, http.StatusServiceUnavailable, "archive queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

// hookRequest is the body MediaMTX runner hooks post to the store.
type hookRequest struct {
	Path string `json:"path"`
	Ts   int64  `json:"ts,omitempty"`
}

// hook wraps a MediaMTX hook handler with token auth and the shared
// path-to-open-session lookup. A path with no open session is not an error;
// the hook just reports matched=false.
func (s *Server) hook(kind string, apply func(ctx context.Context, sessionID string, ts int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HookToken != "" {
			got := r.Header.Get("X-Hook-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.HookToken)) != 1 {
				writeError(w, http.StatusForbidden, "bad hook token")
				return
			}
		}

		var req hookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		if req.Ts == 0 {
			req.Ts = time.Now().UnixMilli()
		}
		hookEvents.WithLabelValues(kind).Inc()

		rec, err := s.db.OpenSessionByPath(r.Context(), req.Path)
		if errors.Is(err, ErrNoSession) {
			writeJSON(w, http.StatusOK, map[string]any{"matched": false})
			return
		}
		if err != nil {
			s.dbError(w, err)
			return
		}
		if err := apply(r.Context(), rec.SessionID, req.Ts); err != nil {
			s.dbError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"matched":   true,
			"sessionId": rec.SessionID,
		})
	}
}

func (s *Server) hookPublish(ctx context.Context, sessionID string, ts int64) error {
	return s.db.MediaConnect(ctx, sessionID, ts, s.cfg.PlaybackStartOffset)
}

func (s *Server) hookSegmentStart(ctx context.Context, sessionID string, ts int64) error {
	return s.db.MediaSegmentStart(ctx, sessionID, ts)
}

func (s *Server) hookSegmentComplete(ctx context.Context, sessionID string, ts int64) error {
	return s.db.MediaSegmentComplete(ctx, sessionID, ts)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if s.monitor.Overall() == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.monitor.Summary())
}

// session resolves the {id} route variable, writing the error response on
// failure.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*api.SessionRecord, bool) {
	id := mux.Vars(r)["id"]
	if _, err := sessionDir(s.cfg.StoragePath, id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	rec, err := s.db.GetSession(r.Context(), id)
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	if err != nil {
		s.dbError(w, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) dbError(w http.ResponseWriter, err error) {
	log.Error("store db error", "error", err.Error())
	s.monitor.Update("db", health.Degraded, err.Error())
	writeError(w, http.StatusInternalServerError, "storage error")
}

func detectionClasses(dets []api.Detection) []string {
	classes := make([]string, 0, len(dets))
	for _, d := range dets {
		if d.Class != "" {
			classes = append(classes, d.Class)
		}
	}
	return classes
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, api.ErrorResponse{Error: msg})
}
