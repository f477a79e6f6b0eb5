package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line.
type AppOptions struct {
	ConfigFile  string
	VoxelWidth  float64
	NoRotation  bool
	NoHalfTurn  bool
	Correlation string
	PhaseOnly   bool
	DebugImages bool
	DebugDir    string
	Output      string
	Overlay     string
	Report      string
	DB          string
	Reuse       bool
	MqttMode    bool
	HttpMode    bool
	HttpPort    int
	History     int
	Source      string
	Target      string
}

// Application is what run drives; App is the real implementation.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunAlign(ctx context.Context) error
	RunHistory(limit int) error
	RunService(ctx context.Context) error
}

func run(args []string, out io.Writer, app Application) error {
	return runContext(context.Background(), args, out, app)
}

func runContext(ctx context.Context, args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("rayalign", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage of rayalign:")
		fmt.Fprintln(out, "  rayalign [flags] cloudA cloudB   align cloudA onto cloudB, writes cloudA_aligned.ply")
		fmt.Fprintln(out, "  rayalign -history N              list the N most recent stored runs")
		fmt.Fprintln(out, "  rayalign -mqtt|-http             run as a service")
		fmt.Fprintln(out, "\nClouds are .ply or .pcd files, local or http(s) URLs.\n\nFlags:")
		fs.PrintDefaults()
	}

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file (optional)")
	fs.Float64Var(&opts.VoxelWidth, "voxel", 0, "Voxel width in cloud units (default from config, 0.5)")
	fs.BoolVar(&opts.NoRotation, "no-rotation", false, "Estimate translation only")
	fs.BoolVar(&opts.NoHalfTurn, "no-half-turn", false, "Do not test the 180° rotation alternative")
	fs.StringVar(&opts.Correlation, "correlation", "", "Angular correlation mode: rings or profile")
	fs.BoolVar(&opts.PhaseOnly, "phase-only", false, "Whiten the translation cross-power spectrum")
	fs.BoolVar(&opts.DebugImages, "debug-images", false, "Write spectrum, polar and correlation images")
	fs.StringVar(&opts.DebugDir, "debug-dir", "", "Directory for debug images (default from config, .)")
	fs.StringVar(&opts.Output, "output", "", "Aligned cloud path (default <cloudA>_aligned.<ext>)")
	fs.StringVar(&opts.Overlay, "overlay", "", "Write a top-down overlay (.svg or .png)")
	fs.StringVar(&opts.Report, "report", "", "Write a GeoJSON footprint report")
	fs.StringVar(&opts.DB, "db", "", "Record runs in this SQLite database")
	fs.BoolVar(&opts.Reuse, "reuse", false, "Reuse a matching <cloudA>_aligned.json instead of estimating")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results over MQTT; as a service, accept requests")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve run history and overlays over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.IntVar(&opts.History, "history", 0, "Print the N most recent stored runs and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "rayalign version: %s\n", Version)

	positional := fs.Args()
	switch {
	case opts.History > 0:
		app.ApplyOptions(opts)
		return app.RunHistory(opts.History)

	case len(positional) == 2:
		opts.Source, opts.Target = positional[0], positional[1]
		app.ApplyOptions(opts)
		return app.RunAlign(ctx)

	case len(positional) == 0 && (opts.MqttMode || opts.HttpMode):
		app.ApplyOptions(opts)
		return app.RunService(ctx)

	default:
		fs.Usage()
		return fmt.Errorf("expected two clouds, got %d argument(s)", len(positional))
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := runContext(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout))
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		stop()
		log.Fatalf("rayalign: %v", err)
	}
}
