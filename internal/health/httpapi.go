package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the read-only HTTP surface: GET /healthz for a
// liveness probe and GET /snapshot for the full Snapshot JSON body.
// Mirrors the teacher's bare "/health" -> 200 "ok" handler and
// "/scheduler/debug/snapshot" -> json.NewEncoder(w).Encode(snapshot)
// handler from control_plane/main.go, moved onto a chi router.
func NewRouter(collector *Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap := collector.Collect()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return r
}
