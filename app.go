package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/hotmesh/hotspot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultConfigFile = "config.yaml"

	// defaultSessionID names the session fed by the incident store
	defaultSessionID = "default"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *hotspot.Config
	Store      *hotspot.IncidentStore
	Engine     *hotspot.Engine
	Registry   *hotspot.Registry
	Metrics    *hotspot.Metrics
	Prometheus *prometheus.Registry
	Subscriber *hotspot.IncidentSubscriber
	Publisher  *hotspot.Publisher

	opts     AppOptions
	out      io.Writer
	location *time.Location

	reclusterMu    sync.Mutex
	reclusterTimer *time.Timer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		out:  os.Stdout,
		opts: AppOptions{ConfigFile: defaultConfigFile, MinSeverity: -1},
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads the config file, tolerating a missing default file,
// then layers environment variables and flags on top
func (a *App) loadConfig() (*hotspot.Config, error) {
	path := a.opts.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}

	var config *hotspot.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigFile {
		log.Printf("No %s found, using defaults", defaultConfigFile)
		config = hotspot.DefaultConfig()
	} else {
		config, err = hotspot.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	if a.opts.EpsKm > 0 {
		config.Clustering.EpsKm = a.opts.EpsKm
	}
	if a.opts.MinSamples > 0 {
		config.Clustering.MinSamples = a.opts.MinSamples
	}
	if a.opts.Index != "" {
		config.Clustering.Index = hotspot.IndexKind(a.opts.Index)
	}
	if a.opts.Timezone != "" {
		config.Clustering.Timezone = a.opts.Timezone
	}
	if a.opts.HTTPPort > 0 {
		config.HTTP.Port = a.opts.HTTPPort
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// init builds the engine, registry, store and metrics from the config
func (a *App) init() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	loc, err := config.Location()
	if err != nil {
		return err
	}
	a.Config = config
	a.location = loc

	a.Prometheus = prometheus.NewRegistry()
	a.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = hotspot.NewMetrics(a.Prometheus)

	a.Engine = hotspot.NewEngine(hotspot.EngineConfig{
		Index:    config.Clustering.Index,
		Severity: config.Severity,
		Location: loc,
		Metrics:  a.Metrics,
	})
	a.Registry = hotspot.NewRegistry(a.Engine, config.Session, a.Metrics)
	// The store upserts in place, so a changed incident keeps the count and
	// sampled ids; only a content hash notices it.
	a.Registry.CreateWithID(defaultSessionID, hotspot.WithFingerprint(hotspot.FingerprintFull))
	a.Store = hotspot.NewIncidentStore(0)
	if a.out == nil {
		a.out = os.Stdout
	}
	return nil
}

// requestParams returns the config defaults with flag overrides applied
func (a *App) requestParams() (hotspot.Params, error) {
	params := a.Config.DefaultParams()
	if a.opts.TimeRange != "" {
		params.TimeBucket = hotspot.TimeBucket(a.opts.TimeRange)
	}
	if a.opts.MinSeverity >= 0 {
		v := a.opts.MinSeverity
		params.MinSeverity = &v
	}
	return params, params.Validate()
}

// ingest adds incidents from one source to the store
func (a *App) ingest(source string, incidents []hotspot.Incident) int {
	added := a.Store.Upsert(incidents...)
	a.Metrics.Ingested(source, len(incidents))
	log.Printf("[INGEST] %s: %d incidents (%d new, %d total)", source, len(incidents), added, a.Store.Len())
	return added
}

// loadSources reads every configured incident source into the store. Flags
// replace the matching config entries.
func (a *App) loadSources(ctx context.Context) error {
	files := a.opts.Inputs
	if len(files) == 0 {
		files = a.Config.Sources.Files
	}
	if len(files) > 0 {
		incidents, err := hotspot.LoadIncidentFiles(ctx, files)
		if err != nil {
			return fmt.Errorf("loading incident files: %w", err)
		}
		a.ingest("file", incidents)
	}

	sqlitePath, table := a.opts.SQLitePath, a.opts.SQLiteTable
	if sqlitePath == "" && a.Config.Sources.SQLite != nil {
		sqlitePath = a.Config.Sources.SQLite.Path
		if table == "" {
			table = a.Config.Sources.SQLite.Table
		}
	}
	if sqlitePath != "" {
		incidents, err := hotspot.LoadIncidentsSQLite(ctx, sqlitePath, table)
		if err != nil {
			return fmt.Errorf("loading sqlite incidents: %w", err)
		}
		a.ingest("sqlite", incidents)
	}

	apiURL := a.opts.APIURL
	if apiURL == "" {
		apiURL = a.Config.Sources.APIURL
	}
	if apiURL != "" {
		incidents, err := hotspot.FetchIncidents(ctx, apiURL)
		if err != nil {
			return err
		}
		a.ingest("api", incidents)
	}
	return nil
}

// clusterOnce runs the default session over the whole store and waits
func (a *App) clusterOnce(ctx context.Context) (*hotspot.Report, error) {
	points := a.Store.Snapshot(hotspot.IncidentQuery{})
	if len(points) == 0 {
		return nil, hotspot.ErrNoPoints
	}
	params, err := a.requestParams()
	if err != nil {
		return nil, err
	}
	sess, err := a.Registry.Get(defaultSessionID)
	if err != nil {
		return nil, err
	}

	ticket, err := sess.Submit(points, params)
	if err != nil {
		return nil, err
	}
	out, err := ticket.Wait(ctx)
	if err != nil {
		sess.Cancel()
		return nil, err
	}
	switch out.State {
	case hotspot.StateSucceeded:
		return hotspot.BuildReport(out.Result, params.MinSeverity), nil
	case hotspot.StateFailed:
		return nil, out.Err
	default:
		return nil, fmt.Errorf("clustering %s", out.State)
	}
}

// RunCluster loads incidents, clusters them once and writes the JSON report
func (a *App) RunCluster() error {
	if err := a.init(); err != nil {
		return err
	}
	defer a.Registry.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.loadSources(ctx); err != nil {
		return err
	}
	rep, err := a.clusterOnce(ctx)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if a.opts.OutputFile == "" {
		_, err = fmt.Fprintln(a.out, string(data))
		return err
	}
	if err := os.WriteFile(a.opts.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	fmt.Fprintf(a.out, "Wrote %d clusters, %d outliers to %s\n",
		rep.Summary.TotalClusters, rep.Summary.TotalOutliers, a.opts.OutputFile)
	return nil
}

// RunRender loads incidents and renders hotspots (or a heatmap) to a file
func (a *App) RunRender() error {
	if err := a.init(); err != nil {
		return err
	}
	defer a.Registry.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.loadSources(ctx); err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(a.opts.RenderFile))
	if ext != ".svg" && ext != ".png" {
		return fmt.Errorf("unsupported render format %q (use .svg or .png)", ext)
	}
	if a.opts.Heatmap && ext != ".png" {
		return fmt.Errorf("heatmaps render to .png only")
	}

	f, err := os.Create(a.opts.RenderFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	if a.opts.Heatmap {
		params, err := a.requestParams()
		if err != nil {
			return err
		}
		points, err := hotspot.FilterByTimeBucket(a.Store.Snapshot(hotspot.IncidentQuery{}), params.TimeBucket, a.location)
		if err != nil {
			return err
		}
		if err := hotspot.WriteHeatmapPNG(f, hotspot.HeatmapData(points, a.Config.Severity), hotspot.DefaultHeatmapOptions()); err != nil {
			return fmt.Errorf("rendering heatmap: %w", err)
		}
		fmt.Fprintf(a.out, "Heatmap of %d incidents saved to %s\n", len(points), a.opts.RenderFile)
		return nil
	}

	rep, err := a.clusterOnce(ctx)
	if err != nil {
		return err
	}
	renderer := hotspot.NewHotspotRenderer()
	if ext == ".svg" {
		err = renderer.RenderToSVG(f, rep)
	} else {
		err = renderer.RenderToPNG(f, rep)
	}
	if err != nil {
		return fmt.Errorf("rendering hotspots: %w", err)
	}
	fmt.Fprintf(a.out, "Rendered %d clusters to %s\n", rep.Summary.TotalClusters, a.opts.RenderFile)
	return nil
}

// handleIncidents stores incidents from MQTT and schedules a recluster
func (a *App) handleIncidents(topic string, incidents []hotspot.Incident, err error) {
	if err != nil {
		return
	}
	if len(incidents) == 0 {
		return
	}
	a.ingest("mqtt", incidents)
	a.scheduleRecluster()
}

// scheduleRecluster debounces bursts of incoming incidents into one run
func (a *App) scheduleRecluster() {
	a.reclusterMu.Lock()
	defer a.reclusterMu.Unlock()
	if a.reclusterTimer != nil {
		a.reclusterTimer.Stop()
	}
	a.reclusterTimer = time.AfterFunc(a.Config.MQTT.ReclusterDebounce, a.recluster)
}

func (a *App) stopRecluster() {
	a.reclusterMu.Lock()
	defer a.reclusterMu.Unlock()
	if a.reclusterTimer != nil {
		a.reclusterTimer.Stop()
		a.reclusterTimer = nil
	}
}

// recluster resubmits the whole store to the default session, superseding
// any run still in flight, and publishes the report once it succeeds
func (a *App) recluster() {
	sess, err := a.Registry.Get(defaultSessionID)
	if err != nil {
		return
	}
	params, err := a.requestParams()
	if err != nil {
		log.Printf("[SESSION] recluster skipped: %v", err)
		return
	}
	ticket, err := sess.Submit(a.Store.Snapshot(hotspot.IncidentQuery{}), params)
	if err != nil {
		log.Printf("[SESSION] recluster failed: %v", err)
		return
	}
	go a.publishWhenDone(sess.ID(), ticket, params.MinSeverity)
}

func (a *App) publishWhenDone(sessionID string, ticket *hotspot.Ticket, minSeverity *float64) {
	<-ticket.Done()
	out, _ := ticket.Outcome()
	if out.State != hotspot.StateSucceeded || a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishReport(sessionID, hotspot.BuildReport(out.Result, minSeverity)); err != nil {
		log.Printf("[MQTT] error publishing report: %v", err)
	}
}

// serverDeps collects what the HTTP handlers need from the App
func (a *App) serverDeps() *serverDeps {
	defaults, err := a.requestParams()
	if err != nil {
		defaults = a.Config.DefaultParams()
	}
	return &serverDeps{
		Store:          a.Store,
		Engine:         a.Engine,
		Registry:       a.Registry,
		DefaultSession: defaultSessionID,
		Defaults:       defaults,
		Severity:       a.Config.Severity,
		Location:       a.location,
		SyncTimeout:    a.Config.Session.Timeout,
		Metrics:        promhttp.HandlerFor(a.Prometheus, promhttp.HandlerOpts{}),
	}
}

// RunService runs the long-lived HTTP and/or MQTT service
func (a *App) RunService() error {
	if err := a.init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. MQTT ingest and publishing
	if a.opts.MQTTMode {
		sub, err := hotspot.NewIncidentSubscriber(a.Config.MQTT, a.handleIncidents)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if sub == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.Subscriber = sub
		a.Publisher = hotspot.NewPublisher(sub.GetClient(), a.Config.MQTT.PublishPrefix)
		sub.Start()
	}

	// 2. Initial incidents
	if err := a.loadSources(ctx); err != nil {
		log.Printf("[INGEST] initial load failed: %v", err)
	}
	if a.Store.Len() > 0 {
		a.recluster()
	}

	// 3. HTTP server
	var srv *http.Server
	serverErr := make(chan error, 1)
	if a.opts.HTTPMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.serverDeps()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// 4. Print service info
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	fmt.Fprintf(a.out, "Incidents loaded: %d\n", a.Store.Len())

	if a.opts.MQTTMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Subscribed topic: %s\n", a.Config.MQTT.IncidentTopic)
		fmt.Fprintf(a.out, "  Publishing to: %s, %s\n", a.Publisher.Topic("clusters"), a.Publisher.Topic("summary"))
	}

	if a.opts.HTTPMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Fprintln(a.out, "  GET  /health                 - Health check")
		fmt.Fprintln(a.out, "  GET  /clusters               - Cluster the stored incidents")
		fmt.Fprintln(a.out, "  GET  /clusters.geojson       - Same, as GeoJSON")
		fmt.Fprintln(a.out, "  GET  /clusters/heatmap-data  - [lat, lon, intensity] triples")
		fmt.Fprintln(a.out, "  POST /sessions               - Open a clustering session")
		fmt.Fprintln(a.out, "  POST /sessions/{id}/runs     - Submit a background run")
		fmt.Fprintln(a.out, "  GET  /sessions/{id}/result   - Latest session report")
		fmt.Fprintln(a.out, "  GET  /hotspots.svg           - Rendered hotspot map")
		fmt.Fprintln(a.out, "  GET  /heatmap.png            - Incident density heatmap")
		fmt.Fprintln(a.out, "  GET  /metrics                - Prometheus metrics")
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	// 5. Wait for interrupt signal
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server: %w", err)
	}

	fmt.Fprintln(a.out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
		cancel()
	}
	a.stopRecluster()
	if a.Subscriber != nil {
		a.Subscriber.Disconnect()
	}
	a.Registry.CloseAll()
	fmt.Fprintln(a.out, "Service stopped")
	return runErr
}
