package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/rayalign/align"
)

// submitFunc queues an alignment request and returns its run ID.
type submitFunc func(req align.Request) (string, error)

// newHTTPServer creates an HTTP server with all endpoints. store may be nil,
// in which case run listings come from the in-memory tracker only.
func newHTTPServer(tracker *align.Tracker, store *align.RunStore, submit submitFunc) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		_, hasResult := tracker.Latest()
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasResult bool      `json:"hasResult"`
			Store     bool      `json:"store"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasResult: hasResult,
			Store:     store != nil,
		})
	})

	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		if store == nil {
			runs := tracker.List()
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}
			writeJSON(w, http.StatusOK, runs)
			return
		}

		runs, err := store.List(limit)
		if err != nil {
			log.Printf("[HTTP] Error listing runs: %v", err)
			http.Error(w, "failed to list runs", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*align.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		var req align.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Source == "" || req.Target == "" {
			http.Error(w, "source and target are required", http.StatusBadRequest)
			return
		}
		id, err := submit(req)
		if errors.Is(err, errQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"runId": id})
	})

	// In-flight runs live in the tracker; older ones only in the store.
	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if run, ok := tracker.Get(id); ok {
			writeJSON(w, http.StatusOK, run)
			return
		}
		if store != nil {
			run, err := store.Get(id)
			if err == nil {
				writeJSON(w, http.StatusOK, run)
				return
			}
			if !errors.Is(err, align.ErrRunNotFound) {
				log.Printf("[HTTP] Error reading run %s: %v", id, err)
				http.Error(w, "failed to read run", http.StatusInternalServerError)
				return
			}
		}
		http.Error(w, "run not found", http.StatusNotFound)
	})

	mux.HandleFunc("DELETE /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "no run store configured", http.StatusNotImplemented)
			return
		}
		err := store.Delete(r.PathValue("id"))
		if errors.Is(err, align.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Printf("[HTTP] Error deleting run: %v", err)
			http.Error(w, "failed to delete run", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /result", func(w http.ResponseWriter, r *http.Request) {
		run, ok := tracker.Latest()
		if !ok {
			http.Error(w, "No result available", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("GET /overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		overlay := tracker.Overlay()
		if len(overlay) == 0 {
			http.Error(w, "No overlay available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(overlay); err != nil {
			log.Printf("Error writing overlay: %v", err)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
