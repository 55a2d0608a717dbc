package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/firemesh/fire"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *fire.Config
	Store      *fire.Store
	Results    *fire.ResultSet
	Registry   *prometheus.Registry
	Metrics    *fire.Metrics
	MQTTClient *fire.MQTTClient
	Publisher  *fire.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile     string
	DetectionsFile string
	PerimetersFile string
	OutputFile     string
	Mode           fire.Mode
	DatasetOnly    bool
	Evaluate       bool
	DBPath         string
	RunID          string
	RenderFire     string
	RenderFormat   string
	HttpPort       int
	MqttMode       bool
	HttpMode       bool
}

// NewApp creates a new App instance
func NewApp() *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		Results:  fire.NewResultSet(),
		Registry: reg,
		Metrics:  fire.NewMetrics(reg),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DetectionsFile = opts.DetectionsFile
	a.PerimetersFile = opts.PerimetersFile
	a.OutputFile = opts.OutputFile
	a.Mode = fire.Mode(opts.Mode)
	a.DatasetOnly = opts.DatasetOnly
	a.Evaluate = opts.Evaluate
	a.DBPath = opts.DBPath
	a.RunID = opts.RunID
	a.RenderFire = opts.RenderFire
	a.RenderFormat = opts.RenderFormat
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file once. A missing default config file
// falls back to built-in defaults.
func (a *App) loadConfig() (*fire.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}

	var cfg *fire.Config
	_, statErr := os.Stat(a.ConfigFile)
	switch {
	case a.ConfigFile == "" || (a.ConfigFile == defaultConfigFile && os.IsNotExist(statErr)):
		cfg = fire.DefaultConfig()
		fire.ApplyEnvOverrides(cfg)
		log.Printf("Using default configuration")
	default:
		loaded, err := fire.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		log.Printf("Loaded config from %s", a.ConfigFile)
	}

	if a.DBPath != "" {
		cfg.Store.Path = a.DBPath
	}
	a.Config = cfg
	return cfg, nil
}

func (a *App) openStore(cfg *fire.Config) (*fire.Store, error) {
	if a.Store != nil {
		return a.Store, nil
	}
	if cfg.Store.Path == "" {
		return nil, nil
	}
	s, err := fire.OpenStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.Store = s
	return s, nil
}

// Close releases the store and the MQTT connection.
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
		a.Store = nil
	}
}

// RunPipeline builds the cleaned dataset, reconstructs every fire and
// stores the run.
func (a *App) RunPipeline() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.runPipeline(ctx)
}

func (a *App) runPipeline(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	mode, err := fire.ParseMode(string(a.Mode))
	if err != nil {
		return err
	}

	years := cfg.YearSet()
	dets, err := readDetectionsFile(a.DetectionsFile, years)
	if err != nil {
		return err
	}
	perimeters, err := readPerimetersFile(a.PerimetersFile, years)
	if err != nil {
		return err
	}
	log.Printf("Loaded %d detections from %s", len(dets), a.DetectionsFile)

	ds, err := fire.BuildDataset(ctx, dets, perimeters, cfg, a.Metrics)
	if err != nil {
		return err
	}
	for _, sc := range ds.Stats.Stages {
		log.Printf("Stage %-13s %8d detections %5d fires", sc.Stage, sc.Detections, sc.Fires)
	}

	store, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	var runID string
	if store != nil {
		if runID, err = store.CreateRun(cfg, mode); err != nil {
			return err
		}
		if err := store.SaveDataset(runID, ds); err != nil {
			return err
		}
		log.Printf("Stored dataset as run %s", runID)
	}

	if a.DatasetOnly {
		a.Results.Update(runID, ds, nil, nil)
		return writeGeoJSON(a.outputPath("dataset.geojson"), fire.DetectionFeatures(ds.Detections))
	}

	recs, err := fire.ReconstructAll(ctx, ds.Detections, cfg.Reconstruction, mode, cfg.Workers, a.Metrics)
	if err != nil {
		return err
	}

	var evals []fire.Evaluation
	if a.Evaluate {
		catalog, err := ds.Catalog()
		if err != nil {
			return err
		}
		evals = fire.EvaluateAll(recs, catalog, cfg.Evaluation)
		s := fire.Summarize(evals)
		log.Printf("Evaluation: %d fires (%d null), IoU mean %.3f std %.3f median %.3f, area ratio %.3f",
			s.Count, s.Null, s.MeanIoU, s.StdIoU, s.MedianIoU, s.MeanAreaRatio)
	}

	if store != nil {
		if err := store.SaveReconstructions(runID, recs); err != nil {
			return err
		}
		if err := store.SaveEvaluations(runID, evals); err != nil {
			return err
		}
	}
	a.Results.Update(runID, ds, recs, evals)

	return writeGeoJSON(a.outputPath("reconstructions.geojson"), fire.ResultFeatures(recs))
}

func (a *App) outputPath(def string) string {
	if a.OutputFile != "" {
		return a.OutputFile
	}
	return def
}

func readDetectionsFile(path string, years map[int]struct{}) ([]fire.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening detections: %w", err)
	}
	defer f.Close()
	return fire.ReadDetections(f, years)
}

func readPerimetersFile(path string, years map[int]struct{}) ([]fire.Perimeter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening perimeters: %w", err)
	}
	defer f.Close()
	perimeters, _, err := fire.ReadPerimeters(f, years)
	return perimeters, err
}

func writeGeoJSON(path string, fc *geojson.FeatureCollection) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encoding GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.Printf("Wrote %d features to %s", len(fc.Features), path)
	return nil
}

// loadResults fills the result set from the store when nothing has been
// computed in this process.
func (a *App) loadResults(cfg *fire.Config) error {
	if a.Results.HasData() {
		return nil
	}
	store, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no result store configured")
	}

	runID := a.RunID
	if runID == "" {
		if runID, err = store.LatestRunID(); err != nil {
			return err
		}
	}
	rs, err := store.LoadResultSet(runID)
	if err != nil {
		return err
	}
	a.Results = rs
	log.Printf("Loaded run %s with %d fires", runID, len(rs.Fires()))
	return nil
}

// RunRender renders one fire of the held or stored run to SVG or PNG.
func (a *App) RunRender() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := a.loadResults(cfg); err != nil {
		return err
	}

	renderer, ok := a.Results.Renderer(a.RenderFire)
	if !ok {
		return fmt.Errorf("fire %s not found in run %s", a.RenderFire, a.Results.RunID())
	}

	var buf bytes.Buffer
	switch a.RenderFormat {
	case "png":
		err = renderer.RenderToPNG(&buf)
	default:
		err = renderer.RenderToSVG(&buf)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", a.RenderFire, err)
	}

	out := a.outputPath(a.RenderFire + "." + a.RenderFormat)
	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	fmt.Printf("Rendered %s to %s\n", a.RenderFire, out)
	return nil
}

// RunService serves the held or stored run over MQTT and HTTP until
// interrupted.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	fmt.Println("Starting firemesh service...")

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := a.loadResults(cfg); err != nil {
		if !errors.Is(err, fire.ErrRunNotFound) {
			return err
		}
		log.Printf("Warning: no stored run found; serving empty results")
	}

	if a.MqttMode {
		if err := a.startMQTT(ctx, cfg); err != nil {
			return err
		}
	}

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Results, a.Registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo(cfg)

	<-ctx.Done()

	fmt.Println("\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	fmt.Println("Service stopped")
	return nil
}

func (a *App) startMQTT(ctx context.Context, cfg *fire.Config) error {
	mqttClient, err := fire.InitMQTT(ctx, cfg, a.handleRequest)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if mqttClient == nil {
		return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.MQTTClient = mqttClient
	a.Publisher = fire.NewPublisher(mqttClient.GetClient(), cfg.MQTT.PublishPrefix)
	fmt.Println("MQTT result publisher initialized")

	go a.publishWhenConnected(ctx, time.Second)
	return nil
}

// publishWhenConnected waits for the broker connection and then publishes
// every held reconstruction once.
func (a *App) publishWhenConnected(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !a.MQTTClient.IsConnected() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	if err := a.Publisher.PublishAll(a.reconstructions()); err != nil {
		log.Printf("Error publishing results: %v", err)
	}
}

// handleRequest republishes one fire in answer to a request message.
func (a *App) handleRequest(fireID string) {
	if a.Publisher == nil {
		log.Printf("Ignoring request for %s: publisher not ready", fireID)
		return
	}
	fr, ok := a.Results.Reconstruction(fireID)
	if !ok {
		log.Printf("Ignoring request for unknown fire %s", fireID)
		return
	}
	if err := a.Publisher.PublishFire(fr); err != nil {
		log.Printf("Error republishing %s: %v", fireID, err)
	}
}

func (a *App) reconstructions() []fire.FireReconstruction {
	var recs []fire.FireReconstruction
	for _, v := range a.Results.Fires() {
		if fr, ok := a.Results.Reconstruction(v.FireID); ok {
			recs = append(recs, fr)
		}
	}
	return recs
}

func (a *App) printServiceInfo(cfg *fire.Config) {
	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("Run: %s (%d fires)\n", a.Results.RunID(), len(a.Results.Fires()))

	if a.MqttMode {
		prefix := cfg.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "firemesh"
		}
		fmt.Println("\nMQTT:")
		fmt.Printf("  Results:  %s/{fireID}/final or %s/{fireID}/windows/{n}\n", prefix, prefix)
		fmt.Printf("  Latest:   %s/{fireID}/latest (retained)\n", prefix)
		fmt.Printf("  Summary:  %s/summary (retained)\n", prefix)
		fmt.Printf("  Requests: %s\n", a.MQTTClient.RequestTopic())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health                       - Health check")
		fmt.Println("  GET /metrics                      - Prometheus metrics")
		fmt.Println("  GET /stats                        - Dataset statistics")
		fmt.Println("  GET /fires                        - Fire summaries")
		fmt.Println("  GET /fires/:id                    - One fire")
		fmt.Println("  GET /fires/:id/reconstructions    - Reconstructed polygons (GeoJSON)")
		fmt.Println("  GET /fires/:id/render.svg|png     - Rendered fire")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
