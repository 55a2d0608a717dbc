package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/firemesh/fire"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFixtures writes one fire perimeter (a 4 km square) and a 15x15 grid
// of detections inside it spread over four satellite passes.
func writeFixtures(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	perims := geojson.NewFeatureCollection()
	p := geojson.NewFeature(orb.Polygon{{{-2000, -2000}, {2000, -2000}, {2000, 2000}, {-2000, 2000}, {-2000, -2000}}})
	p.Properties["FIRE_NAME"] = "Dixie"
	p.Properties["INC_NUM"] = "9"
	p.Properties["ALARM_DATE"] = "2021-08-01"
	p.Properties["CONT_DATE"] = "2021-08-10"
	p.Properties["YEAR_"] = 2021
	perims.Append(p)

	passes := []struct {
		date string
		time int
	}{{"2021-08-02", 1000}, {"2021-08-02", 2200}, {"2021-08-03", 1000}, {"2021-08-03", 2200}}
	dets := geojson.NewFeatureCollection()
	for i := 0; i < 225; i++ {
		x := -1400 + float64(i%15)*200
		y := -1400 + float64(i/15)*200
		pass := passes[i%4]
		f := geojson.NewFeature(orb.Point{x, y})
		f.Properties["acq_date"] = pass.date
		f.Properties["acq_time"] = pass.time
		f.Properties["satellite"] = "N"
		dets.Append(f)
	}

	detPath := filepath.Join(dir, "detections.geojson")
	perimPath := filepath.Join(dir, "perimeters.geojson")
	for path, fc := range map[string]*geojson.FeatureCollection{detPath: dets, perimPath: perims} {
		data, err := json.Marshal(fc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	return detPath, perimPath
}

func readFeatures(t *testing.T, path string) *geojson.FeatureCollection {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	return fc
}

func pipelineApp(t *testing.T, dbPath string) *App {
	t.Helper()
	detPath, perimPath := writeFixtures(t)
	app := NewApp()
	app.ApplyOptions(AppOptions{
		DetectionsFile: detPath,
		PerimetersFile: perimPath,
		OutputFile:     filepath.Join(t.TempDir(), "out.geojson"),
		Mode:           string(fire.ModeFinal),
		DBPath:         dbPath,
		Evaluate:       true,
	})
	t.Cleanup(app.Close)
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Results == nil {
		t.Error("Results should be initialized")
	}
	if app.Registry == nil || app.Metrics == nil {
		t.Error("metrics registry should be initialized")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:     "test-config.yaml",
		DetectionsFile: "d.geojson",
		PerimetersFile: "p.geojson",
		OutputFile:     "out.geojson",
		Mode:           "final",
		DatasetOnly:    true,
		Evaluate:       true,
		DBPath:         "fm.db",
		RunID:          "run-1",
		RenderFire:     "A_1",
		RenderFormat:   "png",
		MqttMode:       true,
		HttpMode:       true,
		HttpPort:       9090,
	}
	app.ApplyOptions(opts)

	if app.ConfigFile != "test-config.yaml" || app.DetectionsFile != "d.geojson" || app.PerimetersFile != "p.geojson" {
		t.Errorf("input paths not applied: %+v", app)
	}
	if app.Mode != fire.ModeFinal {
		t.Errorf("Mode = %s, want final", app.Mode)
	}
	if !app.DatasetOnly || !app.Evaluate || !app.MqttMode || !app.HttpMode {
		t.Error("boolean flags not applied")
	}
	if app.DBPath != "fm.db" || app.RunID != "run-1" || app.RenderFire != "A_1" || app.RenderFormat != "png" {
		t.Errorf("store or render options not applied: %+v", app)
	}
	if app.HttpPort != 9090 {
		t.Errorf("HttpPort = %d, want 9090", app.HttpPort)
	}
}

func TestLoadConfig_MissingDefaultUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: defaultConfigFile, DBPath: "override.db"})

	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, fire.DefaultConfig().Reconstruction, cfg.Reconstruction)
	assert.Equal(t, "override.db", cfg.Store.Path)

	again, err := app.loadConfig()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "config is loaded once")
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firemesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nreconstruction:\n  method: alpha\n"), 0644))

	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: path})
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, fire.HullAlpha, cfg.Reconstruction.Method)
}

func TestLoadConfig_ExplicitMissingFails(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	_, err := app.loadConfig()
	assert.ErrorContains(t, err, "config file not found")
}

func TestRunPipeline_Final(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "firemesh.db")
	app := pipelineApp(t, dbPath)

	require.NoError(t, app.runPipeline(context.Background()))

	fc := readFeatures(t, app.OutputFile)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Dixie_9", fc.Features[0].Properties["fire_id"])

	assert.True(t, app.Results.HasData())
	v, ok := app.Results.Fire("Dixie_9")
	require.True(t, ok)
	assert.Equal(t, 225, v.Detections)
	assert.Equal(t, 4, v.Windows)
	require.NotNil(t, v.Evaluation)
	assert.Greater(t, v.Evaluation.IoU, 0.0)

	latest, err := app.Store.LatestRunID()
	require.NoError(t, err)
	assert.Equal(t, latest, app.Results.RunID())

	info, err := app.Store.Run(latest)
	require.NoError(t, err)
	assert.Equal(t, fire.ModeFinal, info.Mode)

	evals, err := app.Store.LoadEvaluations(latest)
	require.NoError(t, err)
	assert.Len(t, evals, 1)
}

func TestRunPipeline_Progression(t *testing.T) {
	app := pipelineApp(t, filepath.Join(t.TempDir(), "firemesh.db"))
	app.Mode = fire.ModeProgression
	app.Evaluate = false

	require.NoError(t, app.runPipeline(context.Background()))

	fr, ok := app.Results.Reconstruction("Dixie_9")
	require.True(t, ok)
	require.Len(t, fr.Results, 4)
	assert.Equal(t, 225, fr.Results[3].NPoints)
	assert.Equal(t, 3, fr.Results[3].WindowID)
}

func TestRunPipeline_DatasetOnly(t *testing.T) {
	app := pipelineApp(t, filepath.Join(t.TempDir(), "firemesh.db"))
	app.DatasetOnly = true

	require.NoError(t, app.runPipeline(context.Background()))

	fc := readFeatures(t, app.OutputFile)
	assert.Len(t, fc.Features, 225)
	_, ok := app.Results.Reconstruction("Dixie_9")
	assert.False(t, ok, "no reconstruction in dataset-only mode")

	recs, err := app.Store.LoadReconstructions(app.Results.RunID())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunPipeline_MissingInput(t *testing.T) {
	app := pipelineApp(t, filepath.Join(t.TempDir(), "firemesh.db"))
	app.DetectionsFile = filepath.Join(t.TempDir(), "missing.geojson")

	err := app.runPipeline(context.Background())
	assert.ErrorContains(t, err, "opening detections")
}

func TestRunPipeline_Cancelled(t *testing.T) {
	app := pipelineApp(t, filepath.Join(t.TempDir(), "firemesh.db"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, app.runPipeline(ctx), context.Canceled)
}

func TestRunRender_FromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "firemesh.db")
	first := pipelineApp(t, dbPath)
	require.NoError(t, first.runPipeline(context.Background()))
	first.Close()

	tests := []struct {
		format string
		check  func(t *testing.T, data []byte)
	}{
		{"svg", func(t *testing.T, data []byte) { assert.Contains(t, string(data), "<svg") }},
		{"png", func(t *testing.T, data []byte) { assert.True(t, strings.HasPrefix(string(data), "\x89PNG")) }},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "dixie."+tt.format)
			app := NewApp()
			app.ApplyOptions(AppOptions{DBPath: dbPath, RenderFire: "Dixie_9", RenderFormat: tt.format, OutputFile: out})
			defer app.Close()

			require.NoError(t, app.RunRender())
			data, err := os.ReadFile(out)
			require.NoError(t, err)
			tt.check(t, data)
		})
	}
}

func TestRunRender_Errors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "firemesh.db")

	empty := NewApp()
	empty.ApplyOptions(AppOptions{DBPath: dbPath, RenderFire: "Dixie_9", RenderFormat: "svg"})
	defer empty.Close()
	assert.ErrorIs(t, empty.RunRender(), fire.ErrRunNotFound)

	app := pipelineApp(t, dbPath)
	require.NoError(t, app.runPipeline(context.Background()))
	app.RenderFire = "CALDOR_1"
	app.RenderFormat = "svg"
	assert.ErrorContains(t, app.RunRender(), "fire CALDOR_1 not found")

	unknownRun := NewApp()
	unknownRun.ApplyOptions(AppOptions{DBPath: dbPath, RunID: "missing", RenderFire: "Dixie_9", RenderFormat: "svg"})
	defer unknownRun.Close()
	assert.ErrorIs(t, unknownRun.RunRender(), fire.ErrRunNotFound)
}

func TestHandleRequest(t *testing.T) {
	app := NewApp()
	app.handleRequest("Dixie_9") // publisher not ready

	app.Results.Update("run-1", nil, []fire.FireReconstruction{
		{FireID: "Dixie_9", Results: []fire.Result{{FireID: "Dixie_9", WindowID: fire.NoWindow, NPoints: 3}}},
	}, nil)

	mock := fire.NewMockClient()
	require.NoError(t, mock.Connect().Error())
	app.Publisher = fire.NewPublisher(mock, "firemesh")

	app.handleRequest("CALDOR_1")
	assert.Empty(t, mock.Published(), "unknown fires are ignored")

	app.handleRequest("Dixie_9")
	_, ok := mock.Retained("firemesh/Dixie_9/latest")
	assert.True(t, ok)
	_, ok = mock.Retained("firemesh/summary")
	assert.False(t, ok, "a single republish does not touch the summary")
}

func TestReconstructions(t *testing.T) {
	app := NewApp()
	assert.Empty(t, app.reconstructions())

	app.Results.Update("run-1", nil, []fire.FireReconstruction{
		{FireID: "B_2", Results: []fire.Result{{FireID: "B_2", WindowID: fire.NoWindow}}},
		{FireID: "A_1", Results: []fire.Result{{FireID: "A_1", WindowID: fire.NoWindow}}},
	}, nil)
	recs := app.reconstructions()
	require.Len(t, recs, 2)
	assert.Equal(t, "A_1", recs[0].FireID)
	assert.Equal(t, "B_2", recs[1].FireID)
}

func TestPublishWhenConnected_Cancelled(t *testing.T) {
	app := NewApp()
	app.MQTTClient = &fire.MQTTClient{}
	mock := fire.NewMockClient()
	app.Publisher = fire.NewPublisher(mock, "firemesh")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	app.publishWhenConnected(ctx, time.Millisecond)
	assert.Empty(t, mock.Published())
}
