// Package server provides the HTTP API used in serve mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/castkeep/internal/database"
	"github.com/bryan-buckman/castkeep/internal/ledger"
	"github.com/bryan-buckman/castkeep/internal/model"
	"github.com/bryan-buckman/castkeep/internal/opml"
	"github.com/bryan-buckman/castkeep/internal/syncer"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the main HTTP server.
type Server struct {
	db         database.Store
	syncer     *syncer.Syncer
	ledgerPath string
	poller     *syncer.Poller
	router     chi.Router

	// syncMu keeps API-triggered and polled runs from overlapping.
	syncMu sync.Mutex
}

// New creates a new server.
func New(db database.Store, sy *syncer.Syncer, ledgerPath string) *Server {
	s := &Server{
		db:         db,
		syncer:     sy,
		ledgerPath: ledgerPath,
	}
	s.poller = syncer.NewPoller(db, func(ctx context.Context) {
		report, err := s.Sync(ctx, "", false)
		if err != nil {
			log.Printf("Poller error: %v", err)
			return
		}
		log.Printf("Poller: downloaded %d episodes from %d podcasts", len(report.Paths), len(report.Synced))
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions", s.handleAddSubscription)
		r.Delete("/subscriptions/{name}", s.handleDeleteSubscription)
		r.Post("/sync", s.handleSync)
		r.Get("/ledger", s.handleLedger)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the poller and serves on addr.
func (s *Server) Start(addr string) error {
	s.poller.Start()
	log.Printf("Server starting on %s", addr)
	return http.ListenAndServe(addr, s.router)
}

// Stop stops the poller.
func (s *Server) Stop() {
	s.poller.Stop()
}

// Sync runs one sync pass. Concurrent calls wait for each other.
func (s *Server) Sync(ctx context.Context, filter string, catchUp bool) (*syncer.Report, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncer.SyncStore(ctx, s.db, syncer.Options{
		Filter:     filter,
		CatchUp:    catchUp,
		LedgerPath: s.ledgerPath,
	})
}

// --- Handlers ---

type subscriptionJSON struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	DownloadDir string     `json:"download_dir,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
}

type reportJSON struct {
	Downloaded []string `json:"downloaded"`
	CaughtUp   int      `json:"caught_up"`
	Skipped    int      `json:"skipped"`
	Synced     []string `json:"synced"`
	Errors     []string `json:"errors"`
}

func newReportJSON(r *syncer.Report) reportJSON {
	out := reportJSON{
		Downloaded: r.Paths,
		CaughtUp:   r.CaughtUp,
		Skipped:    r.Skipped,
		Synced:     r.Synced,
		Errors:     []string{},
	}
	if out.Downloaded == nil {
		out.Downloaded = []string{}
	}
	if out.Synced == nil {
		out.Synced = []string{}
	}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": s.db.DatabaseType()})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.db.ListSubscriptions()
	if err != nil {
		http.Error(w, "Failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	out := make([]subscriptionJSON, 0, len(subs))
	for _, sub := range subs {
		sj := subscriptionJSON{
			Name:        sub.Name,
			URL:         sub.URL,
			DownloadDir: sub.DownloadDir,
			CreatedAt:   sub.CreatedAt,
		}
		if !sub.LastSynced.IsZero() {
			t := sub.LastSynced
			sj.LastSynced = &t
		}
		out = append(out, sj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		URL         string `json:"url"`
		DownloadDir string `json:"download_dir"`
		CatchUp     bool   `json:"catch_up"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if req.Name == "" || req.URL == "" {
		http.Error(w, "name and url are required", http.StatusBadRequest)
		return
	}

	added, err := s.db.AddSubscription(model.Subscription{Name: req.Name, URL: req.URL, DownloadDir: req.DownloadDir})
	if err != nil {
		http.Error(w, "Failed to add subscription", http.StatusInternalServerError)
		return
	}
	if !added {
		http.Error(w, fmt.Sprintf("'%s' already exists", req.Name), http.StatusConflict)
		return
	}

	resp := map[string]interface{}{"status": "ok", "name": req.Name}
	if req.CatchUp {
		report, err := s.Sync(r.Context(), "^"+regexp.QuoteMeta(req.Name)+"$", true)
		if err != nil {
			http.Error(w, fmt.Sprintf("Catch-up failed: %v", err), http.StatusInternalServerError)
			return
		}
		resp["caught_up"] = report.CaughtUp
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.db.DeleteSubscription(name)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to delete", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	catchUp, _ := strconv.ParseBool(r.URL.Query().Get("catch_up"))

	report, err := s.Sync(r.Context(), filter, catchUp)
	switch {
	case errors.Is(err, syncer.ErrNoSubscriptions), errors.Is(err, syncer.ErrNoMatch):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case syncer.IsKind(err, syncer.KindConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil && report == nil:
		http.Error(w, fmt.Sprintf("Sync error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newReportJSON(report))
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := ledger.Entries(s.ledgerPath)
	if err != nil {
		http.Error(w, "Failed to read ledger", http.StatusInternalServerError)
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	type entryJSON struct {
		EpisodeID  string    `json:"episode_id"`
		RecordedAt time.Time `json:"recorded_at"`
		Title      string    `json:"title"`
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{EpisodeID: e.EpisodeID, RecordedAt: e.RecordedAt, Title: e.Title})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse OPML: %v", err), http.StatusBadRequest)
		return
	}
	added, err := opml.Import(s.db, entries)
	if err != nil {
		log.Printf("Error importing OPML: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"imported": len(added),
		"total":    len(entries),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	subs, err := s.db.ListSubscriptions()
	if err != nil {
		http.Error(w, "Failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	filter := r.URL.Query().Get("filter")
	if filter != "" {
		matched, err := syncer.FilterSubscriptions(toMap(subs), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kept := subs[:0]
		for _, sub := range subs {
			if _, ok := matched[sub.Name]; ok {
				kept = append(kept, sub)
			}
		}
		subs = kept
	}

	data, err := opml.Export("castkeep podcasts", subs)
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=castkeep.opml")
	w.Write(data)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, _ := s.db.GetPollingInterval()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"polling_interval": interval,
	})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval int `json:"polling_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	// Enforce minimum.
	if req.PollingInterval < syncer.MinPollingIntervalMinutes {
		req.PollingInterval = syncer.MinPollingIntervalMinutes
	}
	if err := s.db.SetSetting(model.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		http.Error(w, "Failed to save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "polling_interval": req.PollingInterval})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encode error: %v", err)
	}
}

func toMap(subs []model.Subscription) map[string]model.Subscription {
	m := make(map[string]model.Subscription, len(subs))
	for _, sub := range subs {
		m[sub.Name] = sub
	}
	return m
}
