package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/backupd/app/history"
	"github.com/umputun/backupd/app/schedule"
)

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	State     string     `json:"state,omitempty"`
	Source    string     `json:"source"`
	Hostname  string     `json:"hostname,omitempty"`
	Entries   []APIEntry `json:"entries"`
	Timestamp time.Time  `json:"timestamp"`
}

// APIEntry represents a schedule entry in JSON API response
type APIEntry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Time        string    `json:"time"`
	NextRun     time.Time `json:"next_run,omitzero"`
	Archive     string    `json:"archive,omitempty"`
	ArchiveSize int64     `json:"archive_size,omitempty"`
	ArchiveTime time.Time `json:"archive_time,omitzero"`
}

// APIHistoryResponse is the JSON response for /api/v1/history
type APIHistoryResponse struct {
	Executions []history.Record `json:"executions"`
}

// handleAPIStatus returns current schedule with next run and archive info for each entry
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.store.Load()
	if err != nil {
		log.Printf("[WARN] can't load schedule from %s, %v", s.store.String(), err)
		s.writeJSONError(w, http.StatusInternalServerError, "can't load schedule")
		return
	}

	now := s.now()
	resp := APIStatusResponse{
		Source:    s.store.String(),
		Hostname:  s.hostname,
		Entries:   make([]APIEntry, 0, len(entries)),
		Timestamp: now,
	}
	if s.scheduler != nil {
		resp.State = s.scheduler.State().String()
	}

	for _, e := range entries {
		resp.Entries = append(resp.Entries, s.toAPIEntry(e, now))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIHistory returns recorded executions, optionally filtered by ?name= and limited by ?limit=
func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = l
	}

	recs, err := s.history.List(r.URL.Query().Get("name"), limit)
	if err != nil {
		log.Printf("[WARN] can't get history, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "can't get history")
		return
	}
	s.writeJSON(w, http.StatusOK, APIHistoryResponse{Executions: recs})
}

func (s *Server) toAPIEntry(e schedule.Entry, now time.Time) APIEntry {
	res := APIEntry{Name: e.Name, Path: e.Path, Time: e.Time}
	if next, err := schedule.Next(e, now); err == nil {
		res.NextRun = next
	}
	if s.archives == nil {
		return res
	}

	res.Archive = s.archives.ArchivePath(e.Name)
	fi, err := os.Stat(res.Archive)
	switch {
	case err == nil:
		res.ArchiveSize = fi.Size()
		res.ArchiveTime = fi.ModTime()
	case !errors.Is(err, os.ErrNotExist):
		log.Printf("[DEBUG] can't stat archive %s, %v", res.Archive, err)
	}
	return res
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
