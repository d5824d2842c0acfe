package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/fdleak/pkg/leak"
)

// recordView is a record plus its age, as served by the API.
type recordView struct {
	leak.Record
	AgeSeconds float64 `json:"age_seconds"`
}

type handleView struct {
	leak.Handle
	AgeSeconds float64 `json:"age_seconds"`
	RecordID   string  `json:"record_id,omitempty"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{Record: rec, AgeSeconds: rec.Age(now).Seconds()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": views,
		"count":   len(views),
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")

	rec, err := s.records.Get(recordID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, recordView{Record: *rec, AgeSeconds: rec.Age(time.Now()).Seconds()})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")

	deleted, err := s.records.Delete(recordID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleListHandles(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "no tracker in this process")
		return
	}

	now := time.Now()
	promoted := s.tracker.Promoted()
	handles := s.tracker.Handles()
	views := make([]handleView, 0, len(handles))
	for _, h := range handles {
		views = append(views, handleView{
			Handle:     h,
			AgeSeconds: h.Age(now).Seconds(),
			RecordID:   promoted[h.ID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handles": views,
		"count":   len(views),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "no tracker in this process")
		return
	}

	before := len(s.tracker.Promoted())
	if err := s.tracker.Sweep(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"promoted": len(s.tracker.Promoted()) - before,
	})
}
