package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/fdleak/pkg/store"
	"github.com/lazypower/fdleak/pkg/tracker"
)

// Server is the fdleak HTTP inspection API. It always serves the record
// store; live handle routes need a tracker running in the same process.
type Server struct {
	records store.Store
	tracker *tracker.Tracker
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server. tr may be nil when serving records only.
func New(records store.Store, tr *tracker.Tracker, version string) *Server {
	s := &Server{
		records: records,
		tracker: tr,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/records", s.handleListRecords)
		r.Get("/records/{recordID}", s.handleGetRecord)
		r.Delete("/records/{recordID}", s.handleDeleteRecord)

		r.Get("/handles", s.handleListHandles)
		r.Post("/sweep", s.handleSweep)
	})

	r.Get("/*", staticHandler())

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"tracking": false,
	}
	if s.tracker != nil {
		body["tracking"] = s.tracker.IsOpen()
		body["live"] = s.tracker.Len()
		body["promoted"] = len(s.tracker.Promoted())
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
