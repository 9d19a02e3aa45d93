package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command-line flags into the App
type AppOptions struct {
	ConfigFile  string
	Inputs      []string
	SQLitePath  string
	SQLiteTable string
	APIURL      string

	Cluster    bool
	OutputFile string
	RenderFile string
	Heatmap    bool

	HTTPMode bool
	MQTTMode bool
	HTTPPort int

	// Overrides; zero values (and MinSeverity < 0) keep the config value
	EpsKm       float64
	MinSamples  int
	TimeRange   string
	MinSeverity float64
	Index       string
	Timezone    string
}

// Application is the set of run modes main dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunCluster() error
	RunRender() error
	RunService() error
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("hotmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	var inputs string
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to the YAML config file")
	fs.StringVar(&inputs, "input", "", "Comma-separated incident files (.json or .csv)")
	fs.StringVar(&opts.SQLitePath, "sqlite", "", "SQLite database to read incidents from")
	fs.StringVar(&opts.SQLiteTable, "sqlite-table", "", "SQLite table name (default incidents)")
	fs.StringVar(&opts.APIURL, "api", "", "HTTP endpoint returning a JSON incident array")

	fs.BoolVar(&opts.Cluster, "cluster", false, "Cluster once and print the JSON report")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the report to this file instead of stdout")
	fs.StringVar(&opts.RenderFile, "render", "", "Render hotspots to an .svg or .png file")
	fs.BoolVar(&opts.Heatmap, "heatmap", false, "With -render, draw a density heatmap PNG instead")

	fs.BoolVar(&opts.HTTPMode, "http", false, "Serve the HTTP API")
	fs.BoolVar(&opts.MQTTMode, "mqtt", false, "Ingest incidents from MQTT and publish hotspots")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP port (overrides config, default 4040)")

	fs.Float64Var(&opts.EpsKm, "eps-km", 0, "Neighborhood radius in km (overrides config)")
	fs.IntVar(&opts.MinSamples, "min-samples", 0, "Neighbors required for a core point (overrides config)")
	fs.StringVar(&opts.TimeRange, "time-range", "", "Time bucket: all, day, night or H-H")
	fs.Float64Var(&opts.MinSeverity, "min-severity", -1, "Hide clusters scoring below this (0-10)")
	fs.StringVar(&opts.Index, "index", "", "Neighbor index: linear or grid")
	fs.StringVar(&opts.Timezone, "timezone", "", "IANA timezone for hour-of-day (overrides config)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.Inputs = splitList(inputs)

	fmt.Fprintf(out, "hotmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Cluster:
		return app.RunCluster()
	case opts.RenderFile != "":
		return app.RunRender()
	case opts.HTTPMode || opts.MQTTMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "No mode selected. Examples:")
	fmt.Fprintln(out, "  hotmesh -input calls.csv -cluster")
	fmt.Fprintln(out, "  hotmesh -input calls.json -render hotspots.svg")
	fmt.Fprintln(out, "  hotmesh -config config.yaml -http -mqtt")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Run with -help for all flags.")
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("hotmesh: %v", err)
	}
}
