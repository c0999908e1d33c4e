// Package httpapi exposes the local control surface: status, manual
// sync, queue inspection, settings, cached entity reads, and metrics.
// It binds to loopback; there is no auth on this surface.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldlink/odoofield/internal/config"
	"github.com/fieldlink/odoofield/internal/connectivity"
	"github.com/fieldlink/odoofield/internal/entitycache"
	"github.com/fieldlink/odoofield/internal/models"
	"github.com/fieldlink/odoofield/internal/odoo"
	"github.com/fieldlink/odoofield/internal/queue"
	"github.com/fieldlink/odoofield/internal/scheduler"
)

// Server is the loopback HTTP API.
type Server struct {
	sched    *scheduler.Scheduler
	q        *queue.Queue
	monitor  *connectivity.Monitor
	managers map[string]*entitycache.Manager

	http *http.Server
}

// New assembles the router.
func New(addr string, sched *scheduler.Scheduler, q *queue.Queue, monitor *connectivity.Monitor, managers []*entitycache.Manager) *Server {
	s := &Server{
		sched:    sched,
		q:        q,
		monitor:  monitor,
		managers: make(map[string]*entitycache.Manager, len(managers)),
	}
	for _, m := range managers {
		s.managers[m.Descriptor().Name] = m
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/sync", s.handleSync).Methods("POST")
	r.HandleFunc("/api/queue", s.handleQueue).Methods("GET")
	r.HandleFunc("/api/queue/drain", s.handleDrain).Methods("POST")
	r.HandleFunc("/api/settings", s.handleGetSettings).Methods("GET")
	r.HandleFunc("/api/settings", s.handlePutSettings).Methods("PUT")
	r.HandleFunc("/api/link", s.handleLink).Methods("PUT")
	r.HandleFunc("/api/entities/{entity}", s.handleEntityList).Methods("GET")
	r.HandleFunc("/api/entities/{entity}/{id}", s.handleEntityGet).Methods("GET")
	r.HandleFunc("/api/entities/{entity}", s.handleEntityCreate).Methods("POST")
	r.HandleFunc("/api/entities/{entity}/{id}", s.handleEntityUpdate).Methods("PUT")
	r.HandleFunc("/api/entities/{entity}/{id}", s.handleEntityDelete).Methods("DELETE")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Printf("🌐 Control API listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": s.monitor.IsOnline(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	mode := models.SyncModeIncremental
	if r.URL.Query().Get("mode") == "full" {
		mode = models.SyncModeFull
	}
	started := s.sched.SyncNow(r.Context(), mode)
	if !started {
		writeJSON(w, http.StatusConflict, map[string]any{
			"started": false,
			"reason":  "sync already in progress",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true, "mode": mode})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.q.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":      len(ops),
		"operations": ops,
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	result, err := s.sched.DrainQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings config.SyncSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sched.UpdateSettings(settings)
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Link string `json:"link"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.monitor.SetLink(connectivity.LinkType(body.Link))
	writeJSON(w, http.StatusOK, map[string]any{"link": body.Link})
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*entitycache.Manager, bool) {
	name := mux.Vars(r)["entity"]
	m, ok := s.managers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown entity type " + name})
		return nil, false
	}
	return m, true
}

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true"
	recs, err := m.GetAll(r.Context(), refresh)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(recs),
		"records": recs,
	})
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := m.GetByID(r.Context(), id, r.URL.Query().Get("refresh") == "true")
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEntityCreate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := m.Create(r.Context(), payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      id,
		"pending": id < 0,
	})
}

func (s *Server) handleEntityUpdate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := m.Update(r.Context(), id, payload); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": id})
}

func (s *Server) handleEntityDelete(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := m.Delete(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func statusFor(err error) int {
	switch {
	case err == odoo.ErrNotFound:
		return http.StatusNotFound
	case odoo.IsAuth(err):
		return http.StatusUnauthorized
	case odoo.IsRetryable(err):
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ Failed to encode API response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
