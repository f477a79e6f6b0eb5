package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/rayalign/align"
	"github.com/kwv/rayalign/raycloud"
	"golang.org/x/sync/errgroup"
)

// errQueueFull is returned by Submit when the service is saturated.
var errQueueFull = errors.New("alignment queue is full")

// App encapsulates the application state and dependencies
type App struct {
	Config     *align.Config
	Tracker    *align.Tracker
	Store      *align.RunStore
	MQTTClient *align.MQTTClient
	Publisher  *align.Publisher

	opts      AppOptions
	out       io.Writer
	fetchOpts []raycloud.FetchOption
	requests  chan align.Request
	serving   atomic.Bool
}

// NewApp creates a new App instance writing its summaries to out.
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	return &App{
		Tracker:  align.NewTracker(0),
		out:      out,
		requests: make(chan align.Request, 16),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads the config file, or defaults plus environment when none
// is given, then layers the command-line overrides on top.
func (a *App) loadConfig() (*align.Config, error) {
	var cfg *align.Config
	if a.opts.ConfigFile != "" {
		c, err := align.LoadConfig(a.opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = c
		log.Printf("Loaded config from %s", a.opts.ConfigFile)
	} else {
		c := align.DefaultConfig()
		c.ApplyEnv()
		cfg = &c
	}

	o := a.opts
	if o.VoxelWidth != 0 {
		cfg.VoxelWidth = o.VoxelWidth
	}
	if o.NoRotation {
		cfg.EstimateRotation = false
	}
	if o.NoHalfTurn {
		cfg.ResolveHalfTurn = false
	}
	if o.Correlation != "" {
		cfg.Correlation = align.CorrelationMode(o.Correlation)
	}
	if o.PhaseOnly {
		cfg.PhaseOnly = true
	}
	if o.DebugImages {
		cfg.DebugImageOutput = true
	}
	if o.DebugDir != "" {
		cfg.DebugDir = o.DebugDir
	}
	if o.DB != "" {
		cfg.Store.Path = o.DB
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

// setup loads the config and opens the optional run store and MQTT
// connection. handler receives MQTT alignment requests in service mode.
func (a *App) setup(ctx context.Context, handler align.RequestHandler) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = cfg

	if a.opts.DB != "" || a.opts.History > 0 {
		store, err := align.OpenRunStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		a.Store = store
		log.Printf("Recording runs in %s", cfg.Store.Path)
	}

	if a.opts.MqttMode {
		client, err := align.NewMQTTClient(cfg.MQTT, handler)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT requested but no broker configured (set mqtt.broker or MQTT_BROKER)")
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		a.MQTTClient = client
		a.Publisher = align.NewPublisher(client.Client(), cfg.MQTT.PublishPrefix)
	}
	return nil
}

func (a *App) close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("Error closing run store: %v", err)
		}
	}
}

// RunAlign aligns the source cloud onto the target once and exits.
func (a *App) RunAlign(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.setup(connectCtx, nil); err != nil {
		return err
	}
	defer a.close()

	_, err := a.alignPair(ctx, align.Request{Source: a.opts.Source, Target: a.opts.Target})
	return err
}

// alignPair runs one request end to end: load, estimate, write outputs and
// record the run in the tracker, store and MQTT.
func (a *App) alignPair(ctx context.Context, req align.Request) (*align.Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	a.Tracker.Start(req.ID, req.Source, req.Target)
	start := time.Now()

	res, overlay, err := a.process(ctx, req)
	a.record(req, res, err, time.Since(start))
	if err != nil {
		a.Tracker.Fail(req.ID, err)
		return nil, err
	}
	a.Tracker.Finish(req.ID, res, overlay)
	return res, nil
}

func (a *App) process(ctx context.Context, req align.Request) (*align.Result, []byte, error) {
	var source, target *raycloud.Cloud
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := raycloud.Open(gctx, req.Source, a.fetchOpts...)
		if err != nil {
			return fmt.Errorf("loading %s: %w", req.Source, err)
		}
		source = c
		return nil
	})
	g.Go(func() error {
		c, err := raycloud.Open(gctx, req.Target, a.fetchOpts...)
		if err != nil {
			return fmt.Errorf("loading %s: %w", req.Target, err)
		}
		target = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	log.Printf("Loaded %s (%d rays) and %s (%d rays)", req.Source, source.Len(), req.Target, target.Len())

	original := source.Clone()
	name := localName(req.Source)
	outPath := a.opts.Output
	if outPath == "" {
		outPath = raycloud.AlignedPath(name)
	}
	sidecar := align.ResultPath(name)

	var res *align.Result
	if a.opts.Reuse {
		rf, err := align.LoadResultFile(sidecar)
		if err != nil {
			log.Printf("Warning: ignoring %s: %v", sidecar, err)
		} else if rf.Reusable(req.Source, req.Target, 0) {
			res = rf.Result
			rf.Transform().ApplyToCloud(source)
			log.Printf("Reusing transform from %s", sidecar)
		}
	}

	if res == nil {
		aligner, err := align.NewAligner(*a.Config)
		if err != nil {
			return nil, nil, err
		}
		res, err = aligner.Align(source, target)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range res.Diagnostics() {
			log.Printf("Warning: %v", d)
		}
		rf := &align.ResultFile{RunID: req.ID, Source: req.Source, Target: req.Target, Result: res}
		if err := align.SaveResultFile(sidecar, rf); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	if err := raycloud.Save(outPath, source); err != nil {
		return res, nil, fmt.Errorf("saving aligned cloud: %w", err)
	}

	overlay, err := a.writeOverlay(original, target, res)
	if err != nil {
		return res, nil, err
	}
	if a.opts.Report != "" {
		report, err := align.BuildFootprintReport(original, target, res.Transform, a.Config.VoxelWidth/2)
		if err != nil {
			return res, nil, fmt.Errorf("footprint report: %w", err)
		}
		if err := report.WriteGeoJSON(a.opts.Report); err != nil {
			return res, nil, err
		}
		fmt.Fprintf(a.out, "Footprint: coverage %.1f%%, centroid shift %.3f\n", 100*report.Coverage, report.CentroidShift)
	}

	a.printSummary(req, res, outPath)
	return res, overlay, nil
}

// writeOverlay renders the overlay to the -overlay file, and to SVG bytes
// for the HTTP endpoint when serving.
func (a *App) writeOverlay(source, target *raycloud.Cloud, res *align.Result) ([]byte, error) {
	if a.opts.Overlay == "" && !a.opts.HttpMode {
		return nil, nil
	}
	renderer := align.AlignmentOverlay(source, target, res.Transform)

	var svg bytes.Buffer
	if err := renderer.RenderToSVG(&svg); err != nil {
		return nil, fmt.Errorf("rendering overlay: %w", err)
	}
	if a.opts.Overlay == "" {
		return svg.Bytes(), nil
	}

	data := svg.Bytes()
	if strings.EqualFold(filepath.Ext(a.opts.Overlay), ".png") {
		var buf bytes.Buffer
		if err := renderer.RenderToPNG(&buf); err != nil {
			return nil, fmt.Errorf("rendering overlay: %w", err)
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(a.opts.Overlay, data, 0644); err != nil {
		return nil, fmt.Errorf("writing overlay: %w", err)
	}
	return svg.Bytes(), nil
}

func (a *App) record(req align.Request, res *align.Result, runErr error, elapsed time.Duration) {
	if a.Store != nil {
		run := &align.Run{
			RunID:      req.ID,
			Source:     req.Source,
			Target:     req.Target,
			VoxelWidth: a.Config.VoxelWidth,
			Result:     res,
			Config:     a.Config,
			DurationMs: elapsed.Milliseconds(),
		}
		if runErr != nil {
			run.Result = nil
			run.Error = runErr.Error()
		}
		if err := a.Store.Insert(run); err != nil {
			log.Printf("Error recording run %s: %v", req.ID, err)
		}
	}

	if a.Publisher != nil {
		msg := &align.ResultMessage{RunID: req.ID, Source: req.Source, Target: req.Target, Result: res}
		if runErr != nil {
			msg.Result = nil
			msg.Error = runErr.Error()
		}
		if err := a.Publisher.PublishResult(msg); err != nil {
			log.Printf("Error publishing run %s: %v", req.ID, err)
		}
	}
}

func (a *App) printSummary(req align.Request, res *align.Result, outPath string) {
	fmt.Fprintf(a.out, "\nRun %s\n", req.ID)
	fmt.Fprintf(a.out, "  %s -> %s\n", req.Source, req.Target)
	fmt.Fprintf(a.out, "  yaw:         %.3f°\n", res.AngleDegrees)
	fmt.Fprintf(a.out, "  translation: (%.4f, %.4f, %.4f)\n", res.Translation.X, res.Translation.Y, res.Translation.Z)
	fmt.Fprintf(a.out, "  confidence:  %.1f (rotation candidates: %d)\n", res.Confidence, res.Candidates)
	fmt.Fprintf(a.out, "  grid:        %dx%dx%d @ %g\n", res.Dims[0], res.Dims[1], res.Dims[2], res.VoxelWidth)
	fmt.Fprintf(a.out, "  time:        %v\n", res.Durations.Total.Round(time.Millisecond))
	fmt.Fprintf(a.out, "  output:      %s\n", outPath)
}

// localName maps a cloud location to a local file name: paths are kept,
// URLs contribute the last path segment.
func localName(location string) string {
	if !raycloud.IsRemote(location) {
		return location
	}
	u, err := url.Parse(location)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "remote.ply"
	}
	return path.Base(u.Path)
}

// RunHistory prints the most recent stored runs.
func (a *App) RunHistory(limit int) error {
	if err := a.setup(context.Background(), nil); err != nil {
		return err
	}
	defer a.close()
	if a.Store == nil {
		store, err := align.OpenRunStore(a.Config.Store.Path)
		if err != nil {
			return err
		}
		a.Store = store
	}

	runs, err := a.Store.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.out, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCREATED\tSOURCE\tTARGET\tYAW\tTRANSLATION\tCONF\tSTATUS")
	for _, r := range runs {
		created := time.Unix(0, r.CreatedAtNs).Format(time.DateTime)
		if r.Result == nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t-\t-\t-\tfailed: %s\n", r.RunID, created, r.Source, r.Target, r.Error)
			continue
		}
		t := r.Result.Translation
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f°\t(%.3f, %.3f, %.3f)\t%.1f\tok\n",
			r.RunID, created, r.Source, r.Target, r.Result.AngleDegrees, t.X, t.Y, t.Z, r.Result.Confidence)
	}
	return tw.Flush()
}

// Submit queues a request for the service loop and returns its run ID.
func (a *App) Submit(req align.Request) (string, error) {
	if !a.serving.Load() {
		return "", errors.New("not running as a service")
	}
	if req.Source == "" || req.Target == "" {
		return "", errors.New("request needs both source and target")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	select {
	case a.requests <- req:
		log.Printf("Queued run %s: %s -> %s", req.ID, req.Source, req.Target)
		return req.ID, nil
	default:
		return "", errQueueFull
	}
}

// RunService accepts requests over MQTT and HTTP until ctx is cancelled.
// Requests are processed one at a time.
func (a *App) RunService(ctx context.Context) error {
	fmt.Fprintln(a.out, "Starting rayalign service...")
	a.serving.Store(true)
	defer a.serving.Store(false)

	handler := func(req align.Request) {
		if _, err := a.Submit(req); err != nil {
			log.Printf("Rejected MQTT request: %v", err)
		}
	}
	if err := a.setup(ctx, handler); err != nil {
		return err
	}
	defer a.close()

	var srv *http.Server
	if a.opts.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
			Handler:           newHTTPServer(a.Tracker, a.Store, a.Submit),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.out, "\nShutting down service...")
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Printf("[HTTP] Shutdown error: %v", err)
				}
			}
			fmt.Fprintln(a.out, "Service stopped")
			return nil
		case req := <-a.requests:
			if _, err := a.alignPair(ctx, req); err != nil {
				log.Printf("Run %s failed: %v", req.ID, err)
			}
		}
	}
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	if a.MQTTClient != nil {
		prefix := a.Config.MQTT.PublishPrefix
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Requests:  %s\n", a.MQTTClient.RequestTopic())
		fmt.Fprintf(a.out, "  Results:   %s/result, %s/runs/{runId}\n", prefix, prefix)
	}
	if a.opts.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		fmt.Fprintln(a.out, "  GET  /health       - Health check")
		fmt.Fprintln(a.out, "  GET  /runs         - Recent runs")
		fmt.Fprintln(a.out, "  POST /runs         - Queue an alignment {source, target}")
		fmt.Fprintln(a.out, "  GET  /runs/{id}    - One run")
		fmt.Fprintln(a.out, "  GET  /result       - Latest successful result")
		fmt.Fprintln(a.out, "  GET  /overlay.svg  - Overlay of the latest successful run")
	}
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}
