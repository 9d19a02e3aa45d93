package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/hotmesh/hotspot"
	"github.com/tdewolff/canvas"
)

// serverDeps is everything the HTTP handlers read from
type serverDeps struct {
	Store    *hotspot.IncidentStore
	Engine   *hotspot.Engine
	Registry *hotspot.Registry

	// DefaultSession backs the rendered hotspot images
	DefaultSession string
	Defaults       hotspot.Params
	Severity       hotspot.SeverityConfig
	Location       *time.Location

	// SyncTimeout bounds GET /clusters; zero means no limit
	SyncTimeout time.Duration
	Metrics     http.Handler
}

// runRequest is the optional body of POST /sessions/{id}/runs
type runRequest struct {
	EpsKm          *float64           `json:"eps_km"`
	MinSamples     *int               `json:"min_samples"`
	TimeRange      string             `json:"time_range"`
	MinSeverity    *float64           `json:"min_severity"`
	EmergencyTypes []string           `json:"emergency_types"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	District       string             `json:"district"`
	Incidents      []hotspot.Incident `json:"incidents"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps engine and session errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, hotspot.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, hotspot.ErrInvalidCoordinate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, hotspot.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, hotspot.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, hotspot.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// parseClusterQuery reads clustering parameters and incident filters from
// the query string, falling back to defaults
func parseClusterQuery(r *http.Request, defaults hotspot.Params) (hotspot.Params, hotspot.IncidentQuery, error) {
	params := defaults
	var q hotspot.IncidentQuery
	v := r.URL.Query()

	if s := v.Get("time_range"); s != "" {
		params.TimeBucket = hotspot.TimeBucket(s)
	}
	if s := v.Get("eps_km"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return params, q, fmt.Errorf("eps_km: %w", err)
		}
		params.EpsKm = f
	}
	if s := v.Get("min_samples"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return params, q, fmt.Errorf("min_samples: %w", err)
		}
		params.MinSamples = n
	}
	if s := v.Get("min_severity"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return params, q, fmt.Errorf("min_severity: %w", err)
		}
		params.MinSeverity = &f
	}

	if s := v.Get("emergency_types"); s != "" {
		q.Categories = splitList(s)
	}
	if s := v.Get("start_date"); s != "" {
		t, err := hotspot.ParseDate(s)
		if err != nil {
			return params, q, fmt.Errorf("start_date: %w", err)
		}
		q.Start = t
	}
	if s := v.Get("end_date"); s != "" {
		t, err := hotspot.ParseEndDate(s)
		if err != nil {
			return params, q, fmt.Errorf("end_date: %w", err)
		}
		q.End = t
	}
	q.District = v.Get("district")

	if err := params.Validate(); err != nil {
		return params, q, err
	}
	return params, q, nil
}

// apply merges the request body over defaults
func (req runRequest) apply(defaults hotspot.Params) (hotspot.Params, hotspot.IncidentQuery, error) {
	params := defaults
	var q hotspot.IncidentQuery
	if req.EpsKm != nil {
		params.EpsKm = *req.EpsKm
	}
	if req.MinSamples != nil {
		params.MinSamples = *req.MinSamples
	}
	if req.TimeRange != "" {
		params.TimeBucket = hotspot.TimeBucket(req.TimeRange)
	}
	if req.MinSeverity != nil {
		params.MinSeverity = req.MinSeverity
	}
	q.Categories = req.EmergencyTypes
	q.District = req.District
	if req.StartDate != "" {
		t, err := hotspot.ParseDate(req.StartDate)
		if err != nil {
			return params, q, fmt.Errorf("start_date: %w", err)
		}
		q.Start = t
	}
	if req.EndDate != "" {
		t, err := hotspot.ParseEndDate(req.EndDate)
		if err != nil {
			return params, q, fmt.Errorf("end_date: %w", err)
		}
		q.End = t
	}
	return params, q, params.Validate()
}

// clusterNow runs the engine synchronously for a query-string request
func (d *serverDeps) clusterNow(w http.ResponseWriter, r *http.Request) (*hotspot.Report, bool) {
	params, q, err := parseClusterQuery(r, d.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	ctx := r.Context()
	if d.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.SyncTimeout)
		defer cancel()
	}

	res, err := d.Engine.Run(ctx, d.Store.Snapshot(q), params)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return nil, false
	}
	return hotspot.BuildReport(res, params.MinSeverity), true
}

// latestReport builds a report from the default session's latest result
func (d *serverDeps) latestReport() (*hotspot.Report, bool) {
	sess, err := d.Registry.Get(d.DefaultSession)
	if err != nil {
		return nil, false
	}
	res, ok := sess.Result()
	if !ok {
		return nil, false
	}
	return hotspot.BuildReport(res, res.Params.MinSeverity), true
}

// newHTTPServer creates an HTTP handler serving clusters, sessions and
// rendered hotspot maps
func newHTTPServer(d *serverDeps) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
			"incidents": d.Store.Len(),
			"sessions":  d.Registry.Len(),
		})
	})

	mux.HandleFunc("GET /clusters", func(w http.ResponseWriter, r *http.Request) {
		if rep, ok := d.clusterNow(w, r); ok {
			writeJSON(w, http.StatusOK, rep)
		}
	})

	mux.HandleFunc("GET /clusters.geojson", func(w http.ResponseWriter, r *http.Request) {
		rep, ok := d.clusterNow(w, r)
		if !ok {
			return
		}
		data, err := hotspot.ToFeatureCollection(rep).MarshalJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("GET /clusters/heatmap-data", func(w http.ResponseWriter, r *http.Request) {
		params, q, err := parseClusterQuery(r, d.Defaults)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		points, err := hotspot.FilterByTimeBucket(d.Store.Snapshot(q), params.TimeBucket, d.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, hotspot.HeatmapData(points, d.Severity))
	})

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": d.Registry.IDs()})
	})

	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		sess := d.Registry.Create()
		writeJSON(w, http.StatusCreated, sess.Status())
	})

	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.Registry.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sess.Status())
	})

	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == d.DefaultSession {
			writeError(w, http.StatusConflict, "the default session cannot be deleted")
			return
		}
		if err := d.Registry.Dispose(id); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /sessions/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.Registry.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}

		var req runRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, 50<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
				return
			}
		}
		params, q, err := req.apply(d.Defaults)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		points := q.Apply(req.Incidents)
		if req.Incidents == nil {
			points = d.Store.Snapshot(q)
		}
		ticket, err := sess.Submit(points, params)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}

		status := http.StatusAccepted
		if out, done := ticket.Outcome(); done && out.FromCache {
			status = http.StatusOK
		}
		writeJSON(w, status, sess.Status())
	})

	mux.HandleFunc("GET /sessions/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		sess, err := d.Registry.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		res, ok := sess.Result()
		if !ok {
			writeError(w, http.StatusNotFound, "no result yet")
			return
		}
		minSeverity := res.Params.MinSeverity
		if s := r.URL.Query().Get("min_severity"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("min_severity: %v", err))
				return
			}
			if math.IsNaN(f) || f < 0 || f > 10 {
				writeError(w, http.StatusBadRequest, "min_severity must be within 0-10")
				return
			}
			minSeverity = &f
		}
		// The result is the last successful run; the header tells whether a
		// later run failed or was cancelled since.
		w.Header().Set("X-Session-State", sess.Status().State.String())
		writeJSON(w, http.StatusOK, hotspot.BuildReport(res, minSeverity))
	})

	// Hotspot SVG endpoint
	mux.HandleFunc("GET /hotspots.svg", func(w http.ResponseWriter, r *http.Request) {
		rep, ok := d.latestReport()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no clustering result available")
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := hotspot.NewHotspotRenderer().RenderToSVG(w, rep); err != nil {
			log.Printf("[HTTP] error encoding hotspot SVG: %v", err)
		}
	})

	mux.HandleFunc("GET /hotspots.png", func(w http.ResponseWriter, r *http.Request) {
		rep, ok := d.latestReport()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no clustering result available")
			return
		}
		renderer := hotspot.NewHotspotRenderer()
		if s := r.URL.Query().Get("dpi"); s != "" {
			if dpi, err := strconv.ParseFloat(s, 64); err == nil && dpi > 0 && dpi <= 600 {
				renderer.Resolution = canvas.DPI(dpi)
			}
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w, rep); err != nil {
			log.Printf("[HTTP] error encoding hotspot PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /heatmap.png", func(w http.ResponseWriter, r *http.Request) {
		params, q, err := parseClusterQuery(r, d.Defaults)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		points, err := hotspot.FilterByTimeBucket(d.Store.Snapshot(q), params.TimeBucket, d.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := hotspot.WriteHeatmapPNG(w, hotspot.HeatmapData(points, d.Severity), hotspot.DefaultHeatmapOptions()); err != nil {
			log.Printf("[HTTP] error encoding heatmap: %v", err)
		}
	})

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	// Default route serves HTML page embedding the hotspot map
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>hotmesh</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#f8fafc}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/hotspots.svg" alt="Incident hotspots">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
