package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kwv/firemesh/fire"
)

// Version is set at build time via -ldflags
var Version = "dev"

const defaultConfigFile = "config.yaml"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile     string
	DetectionsFile string
	PerimetersFile string
	OutputFile     string
	Mode           string
	DatasetOnly    bool
	Evaluate       bool
	DBPath         string
	RunID          string
	RenderFire     string
	RenderFormat   string
	MqttMode       bool
	HttpMode       bool
	HttpPort       int
}

// Runner is the set of commands run dispatches to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunPipeline() error
	RunRender() error
	RunService() error
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: reading .env: %v", err)
	}
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("firemesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&opts.DetectionsFile, "detections", "", "GeoJSON FeatureCollection of satellite fire detections")
	fs.StringVar(&opts.PerimetersFile, "perimeters", "", "GeoJSON FeatureCollection of true fire perimeters")
	fs.StringVar(&opts.OutputFile, "out", "", "Output file (GeoJSON for the pipeline, image for --render)")
	fs.StringVar(&opts.Mode, "mode", string(fire.ModeProgression), "Reconstruction mode: final or progression")
	fs.BoolVar(&opts.DatasetOnly, "dataset-only", false, "Build the cleaned dataset and skip reconstruction")
	fs.BoolVar(&opts.Evaluate, "evaluate", false, "Score reconstructions against the true perimeters")
	fs.StringVar(&opts.DBPath, "db", "", "SQLite result database (overrides store.path)")
	fs.StringVar(&opts.RunID, "run", "", "Stored run to render or serve (default: latest)")
	fs.StringVar(&opts.RenderFire, "render", "", "Render FIRE_ID from the stored run and exit")
	fs.StringVar(&opts.RenderFormat, "format", "svg", "Render format: svg or png")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results over MQTT and answer republish requests")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve results over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "firemesh version: %s\n", Version)

	if _, err := fire.ParseMode(opts.Mode); err != nil {
		return err
	}
	if opts.RenderFormat != "svg" && opts.RenderFormat != "png" {
		return fmt.Errorf("invalid render format %q (want svg or png)", opts.RenderFormat)
	}
	if opts.DetectionsFile != "" && opts.PerimetersFile == "" {
		return fmt.Errorf("--detections requires --perimeters")
	}

	app.ApplyOptions(opts)

	if opts.RenderFire != "" {
		return app.RunRender()
	}

	ran := false
	if opts.DetectionsFile != "" {
		if err := app.RunPipeline(); err != nil {
			return err
		}
		ran = true
	}

	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}
	if ran {
		return nil
	}

	fmt.Fprintln(out, "firemesh service starting...")
	fmt.Fprintln(out, "Use --detections FILE --perimeters FILE to run the pipeline")
	fmt.Fprintln(out, "Use --mode final|progression to pick the reconstruction mode")
	fmt.Fprintln(out, "Use --dataset-only to stop after building the cleaned dataset")
	fmt.Fprintln(out, "Use --evaluate to score reconstructions against true perimeters")
	fmt.Fprintln(out, "Use --render FIRE_ID to render a stored fire (--format svg|png)")
	fmt.Fprintln(out, "Use --mqtt to publish results and answer republish requests")
	fmt.Fprintln(out, "Use --http to serve results over HTTP")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - pipeline thresholds, MQTT and store settings")
	fmt.Fprintln(out, "  .env        - MQTT_* and FIREMESH_DB overrides")
	return nil
}
