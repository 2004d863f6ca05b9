package compute

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jacobic/redmapper/pkg/metrics"
)

// NewRouter serves the run status and metrics:
//
//	GET /metrics
//	GET /api/v1/jobs?status=
//	GET /api/v1/jobs/{id}
//	GET /api/v1/statistics
func NewRouter(tm *TileManager, rec *metrics.Recorder) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", rec.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, tm.ListJobs(TileStatus(req.URL.Query().Get("status"))))
	}).Methods("GET")
	api.HandleFunc("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := tm.GetJob(mux.Vars(req)["id"])
		if err != nil {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, job)
	}).Methods("GET")
	api.HandleFunc("/statistics", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, tm.GetStatistics())
	}).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Serve runs handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info("status server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
