package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/tudoalign/history"
	"github.com/kwv/tudoalign/icp"
	"github.com/kwv/tudoalign/report"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Version   string    `json:"version"`
			Timestamp time.Time `json:"timestamp"`
			HasResult bool      `json:"hasResult"`
		}{
			Status:    "ok",
			Version:   Version,
			Timestamp: time.Now(),
			HasResult: a.Last() != nil,
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/result", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		writeJSON(w, http.StatusOK, rec.Summary)
	}))

	mux.HandleFunc("/clouds.svg", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := report.NewVectorRenderer(rec.Result.Clouds()).RenderToSVG(w); err != nil {
			log.Printf("Error rendering SVG: %v", err)
		}
	}))

	mux.HandleFunc("/clouds.png", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := report.NewVectorRenderer(rec.Result.Clouds()).RenderToPNG(w); err != nil {
			log.Printf("Error rendering cloud PNG: %v", err)
		}
	}))

	mux.HandleFunc("/clouds.geojson", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		data, err := report.DefaultProjection().GeoJSON(rec.Result.Clouds()).MarshalJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing GeoJSON: %v", err)
		}
	}))

	mux.HandleFunc("/preview.png", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		pr := report.NewPreviewRenderer(rec.Result.Clouds())
		pr.Caption = report.Caption(rec.Result)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := pr.WritePNG(w); err != nil {
			log.Printf("Error encoding preview PNG: %v", err)
		}
	}))

	mux.HandleFunc("/residuals.png", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := report.WriteResidualPNG(w, rec.Result, rec.Config.Tolerance); err != nil {
			log.Printf("Error rendering residual plot: %v", err)
		}
	}))

	mux.HandleFunc("/residuals.html", withLast(a, func(w http.ResponseWriter, _ *http.Request, rec *runRecord) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := report.WriteResidualHTML(w, rec.Result, rec.Config.Tolerance); err != nil {
			log.Printf("Error rendering residual chart: %v", err)
		}
	}))

	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listRuns(a, w, r)
		case http.MethodPost:
			startRun(a, w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/runs/")
		getRun(a, w, id)
	})

	return mux
}

// withLast answers 503 until the first registration has finished.
func withLast(a *App, fn func(http.ResponseWriter, *http.Request, *runRecord)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := a.Last()
		if rec == nil {
			http.Error(w, "No registration result available", http.StatusServiceUnavailable)
			return
		}
		fn(w, r, rec)
	}
}

// listRuns returns stored runs, newest first. Without a history store only
// the latest in-memory run is listed.
func listRuns(a *App, w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		runs := []report.Summary{}
		if rec := a.Last(); rec != nil {
			runs = append(runs, rec.Summary)
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := a.History.List(limit)
	if err != nil {
		log.Printf("[HTTP] listing runs: %v", err)
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []report.Summary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func getRun(a *App, w http.ResponseWriter, id string) {
	if rec := a.Last(); rec != nil && rec.ID == id {
		writeJSON(w, http.StatusOK, rec.Summary)
		return
	}
	if a.History == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	sum, _, err := a.History.Get(id)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// parseRunRequest reads algorithm, spatial_index, max_iterations and seed
// from the query string.
func parseRunRequest(r *http.Request) (report.RunRequest, error) {
	q := r.URL.Query()
	var req report.RunRequest
	req.Algorithm = icp.Algorithm(q.Get("algorithm"))
	if v := q.Get("spatial_index"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("invalid spatial_index %q", v)
		}
		req.SpatialIndex = &b
	}
	if v := q.Get("max_iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, fmt.Errorf("invalid max_iterations %q", v)
		}
		req.MaxIterations = n
	}
	if v := q.Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid seed %q", v)
		}
		req.Seed = &n
	}
	return req, nil
}

func startRun(a *App, w http.ResponseWriter, r *http.Request) {
	req, err := parseRunRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := a.handleRunRequest(req)
	if errors.Is(err, icp.ErrInvalidConfig) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		// the registration itself failed (degenerate input, divergence)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	log.Printf("[HTTP] run %s: %s after %d iterations", rec.ID, rec.Result.Status, rec.Result.Iterations)
	writeJSON(w, http.StatusCreated, rec.Summary)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
