package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunCluster() error            { m.called["RunCluster"] = true; return m.err }
func (m *mockApp) RunRender() error             { m.called["RunRender"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Cluster",
			args:           []string{"--cluster", "--input", "a.csv, b.json", "--output", "report.json"},
			expectedCalled: "RunCluster",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if len(opts.Inputs) != 2 || opts.Inputs[0] != "a.csv" || opts.Inputs[1] != "b.json" {
					t.Errorf("expected Inputs [a.csv b.json], got %v", opts.Inputs)
				}
				if opts.OutputFile != "report.json" {
					t.Errorf("expected OutputFile report.json, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "ClusterOverrides",
			args:           []string{"--cluster", "--eps-km", "0.8", "--min-samples", "3", "--time-range", "night", "--min-severity", "5.5", "--index", "linear"},
			expectedCalled: "RunCluster",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.EpsKm != 0.8 {
					t.Errorf("expected EpsKm 0.8, got %f", opts.EpsKm)
				}
				if opts.MinSamples != 3 {
					t.Errorf("expected MinSamples 3, got %d", opts.MinSamples)
				}
				if opts.TimeRange != "night" {
					t.Errorf("expected TimeRange night, got %s", opts.TimeRange)
				}
				if opts.MinSeverity != 5.5 {
					t.Errorf("expected MinSeverity 5.5, got %f", opts.MinSeverity)
				}
				if opts.Index != "linear" {
					t.Errorf("expected Index linear, got %s", opts.Index)
				}
			},
		},
		{
			name:           "Render",
			args:           []string{"--render", "hotspots.svg", "--sqlite", "calls.db", "--sqlite-table", "calls"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.RenderFile != "hotspots.svg" {
					t.Errorf("expected RenderFile hotspots.svg, got %s", opts.RenderFile)
				}
				if opts.SQLitePath != "calls.db" || opts.SQLiteTable != "calls" {
					t.Errorf("expected sqlite calls.db/calls, got %s/%s", opts.SQLitePath, opts.SQLiteTable)
				}
				if opts.Heatmap {
					t.Error("expected Heatmap false")
				}
			},
		},
		{
			name:           "RenderHeatmap",
			args:           []string{"--render", "heat.png", "--heatmap"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.Heatmap {
					t.Error("expected Heatmap true")
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MQTTMode {
					t.Error("expected MQTTMode true")
				}
				if opts.HTTPPort != 9090 {
					t.Errorf("expected HTTPPort 9090, got %d", opts.HTTPPort)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--config", "prod.yaml", "--api", "http://feed.local/calls"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HTTPMode {
					t.Error("expected HTTPMode true")
				}
				if opts.ConfigFile != "prod.yaml" {
					t.Errorf("expected ConfigFile prod.yaml, got %s", opts.ConfigFile)
				}
				if opts.APIURL != "http://feed.local/calls" {
					t.Errorf("expected APIURL, got %s", opts.APIURL)
				}
			},
		},
		{
			name:           "ClusterWinsOverService",
			args:           []string{"--cluster", "--http"},
			expectedCalled: "RunCluster",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called, got %v", tt.expectedCalled, app.called)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Defaults(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if app.opts.ConfigFile != "config.yaml" {
		t.Errorf("expected default ConfigFile config.yaml, got %s", app.opts.ConfigFile)
	}
	if app.opts.MinSeverity >= 0 {
		t.Errorf("expected MinSeverity unset (< 0), got %f", app.opts.MinSeverity)
	}
	if app.opts.Inputs != nil {
		t.Errorf("expected no inputs, got %v", app.opts.Inputs)
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestRun_PropagatesModeError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	err := run([]string{"--cluster"}, &out, app)
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom error, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp from --help, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of hotmesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--no-such-flag"}, &out, app); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "hotmesh version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "No mode selected") {
		t.Errorf("expected output to contain usage hints, got: %s", out.String())
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{" a , ,b ", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := splitList(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
