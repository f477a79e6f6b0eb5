package main

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/rayalign/align"
	"github.com/kwv/rayalign/raycloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// testRoom returns a small asymmetric scan: an L-shaped floor, its walls
// and one box.
func testRoom(seed int64) *raycloud.Cloud {
	rng := rand.New(rand.NewSource(seed))
	var points []r3.Vec
	for len(points) < 3000 {
		x, y := rng.Float64()*10, rng.Float64()*5
		if !(x > 6 && y > 2.5) {
			points = append(points, r3.Vec{X: x, Y: y})
		}
	}
	outline := []r3.Vec{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 2.5}, {X: 6, Y: 2.5}, {X: 6, Y: 5}, {X: 0, Y: 5}}
	for i, a := range outline {
		edge := r3.Sub(outline[(i+1)%len(outline)], a)
		for k := 0; k < int(r3.Norm(edge)*100); k++ {
			p := r3.Add(a, r3.Scale(rng.Float64(), edge))
			p.Z = rng.Float64() * 2
			points = append(points, p)
		}
	}
	for k := 0; k < 1500; k++ {
		points = append(points, r3.Vec{X: 1 + rng.Float64()*1.5, Y: 1 + rng.Float64(), Z: 1})
	}
	return raycloud.NewCloud(points)
}

// writeClouds saves a source cloud and a shifted target under dir.
func writeClouds(t *testing.T, dir string, shift r3.Vec) (source, target string) {
	t.Helper()
	src := testRoom(1)
	tgt := src.Clone()
	raycloud.Translation(shift).ApplyToCloud(tgt)

	source = filepath.Join(dir, "room.ply")
	target = filepath.Join(dir, "reference.ply")
	require.NoError(t, raycloud.Save(source, src))
	require.NoError(t, raycloud.Save(target, tgt))
	return source, target
}

func newTestApp(out *bytes.Buffer, opts AppOptions) *App {
	app := NewApp(out)
	app.fetchOpts = []raycloud.FetchOption{raycloud.WithMaxRetries(1), raycloud.WithTimeout(5 * time.Second)}
	if opts.VoxelWidth == 0 {
		opts.VoxelWidth = 0.25
	}
	app.ApplyOptions(opts)
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp(nil)
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Tracker == nil {
		t.Error("Tracker should be initialized")
	}
	if app.out == nil {
		t.Error("out should default to io.Discard")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	app := NewApp(nil)
	app.ApplyOptions(AppOptions{
		VoxelWidth:  0.1,
		NoRotation:  true,
		NoHalfTurn:  true,
		Correlation: "profile",
		PhaseOnly:   true,
		DebugImages: true,
		DebugDir:    "dbg",
		DB:          "runs.db",
	})
	cfg, err := app.loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.VoxelWidth)
	assert.False(t, cfg.EstimateRotation)
	assert.False(t, cfg.ResolveHalfTurn)
	assert.Equal(t, align.CorrelateProfile, cfg.Correlation)
	assert.True(t, cfg.PhaseOnly)
	assert.True(t, cfg.DebugImageOutput)
	assert.Equal(t, "dbg", cfg.DebugDir)
	assert.Equal(t, "runs.db", cfg.Store.Path)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rayalign.yaml")
	require.NoError(t, os.WriteFile(path, []byte("voxelWidth: 0.75\npolarAngleResolution: 180\n"), 0644))

	app := NewApp(nil)
	app.ApplyOptions(AppOptions{ConfigFile: path})
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.VoxelWidth)
	assert.Equal(t, 180, cfg.PolarAngleResolution)

	// flags win over the file
	app.ApplyOptions(AppOptions{ConfigFile: path, VoxelWidth: 0.3})
	cfg, err = app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.VoxelWidth)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts AppOptions
	}{
		{"negative voxel", AppOptions{VoxelWidth: -1}},
		{"unknown correlation", AppOptions{Correlation: "bogus"}},
		{"missing file", AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp(nil)
			app.ApplyOptions(tt.opts)
			_, err := app.loadConfig()
			assert.Error(t, err)
		})
	}
}

func TestRunAlign_WritesOutputs(t *testing.T) {
	dir := t.TempDir()
	shift := r3.Vec{X: 1.25, Y: -0.5, Z: 0.25}
	source, target := writeClouds(t, dir, shift)

	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{
		NoRotation: true,
		Source:     source,
		Target:     target,
		Overlay:    filepath.Join(dir, "overlay.png"),
		Report:     filepath.Join(dir, "report.geojson"),
		DB:         filepath.Join(dir, "runs.db"),
	})
	require.NoError(t, app.RunAlign(context.Background()))

	aligned, err := raycloud.Load(filepath.Join(dir, "room_aligned.ply"))
	require.NoError(t, err)
	want, err := raycloud.Load(target)
	require.NoError(t, err)
	require.Equal(t, want.Len(), aligned.Len())
	for i := 0; i < aligned.Len(); i += 500 {
		assert.InDelta(t, want.Ends[i].X, aligned.Ends[i].X, 0.05)
		assert.InDelta(t, want.Ends[i].Y, aligned.Ends[i].Y, 0.05)
		assert.InDelta(t, want.Ends[i].Z, aligned.Ends[i].Z, 0.05)
	}

	rf, err := align.LoadResultFile(filepath.Join(dir, "room_aligned.json"))
	require.NoError(t, err)
	require.NotNil(t, rf)
	assert.Equal(t, source, rf.Source)
	assert.InDelta(t, shift.X, rf.Result.Translation.X, 0.05)

	png, err := os.ReadFile(filepath.Join(dir, "overlay.png"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	report, err := os.ReadFile(filepath.Join(dir, "report.geojson"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "FeatureCollection")

	latest, ok := app.Tracker.Latest()
	require.True(t, ok)
	assert.Equal(t, align.RunDone, latest.Status)
	assert.NotEmpty(t, app.Tracker.Overlay())

	assert.Contains(t, out.String(), "translation:")
	assert.Contains(t, out.String(), "Footprint: coverage")

	// the run was recorded
	var listing bytes.Buffer
	hist := newTestApp(&listing, AppOptions{DB: filepath.Join(dir, "runs.db"), History: 10})
	require.NoError(t, hist.RunHistory(10))
	assert.Contains(t, listing.String(), latest.RunID)
	assert.Contains(t, listing.String(), "ok")
}

func TestRunAlign_RemoteTarget(t *testing.T) {
	dir := t.TempDir()
	source, target := writeClouds(t, dir, r3.Vec{X: 0.5, Y: 0.5})
	data, err := os.ReadFile(target)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clouds/reference.ply" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{
		NoRotation: true,
		Source:     source,
		Target:     srv.URL + "/clouds/reference.ply",
		Output:     filepath.Join(dir, "out.ply"),
	})
	require.NoError(t, app.RunAlign(context.Background()))

	_, err = os.Stat(filepath.Join(dir, "out.ply"))
	assert.NoError(t, err)

	app = newTestApp(&out, AppOptions{Source: source, Target: srv.URL + "/clouds/missing.ply"})
	assert.Error(t, app.RunAlign(context.Background()))
}

func TestRunAlign_Reuse(t *testing.T) {
	dir := t.TempDir()
	source, target := writeClouds(t, dir, r3.Vec{X: 1})

	app := newTestApp(&bytes.Buffer{}, AppOptions{NoRotation: true, Source: source, Target: target})
	require.NoError(t, app.RunAlign(context.Background()))

	sidecar := filepath.Join(dir, "room_aligned.json")
	rf, err := align.LoadResultFile(sidecar)
	require.NoError(t, err)
	planted := raycloud.Translation(r3.Vec{X: 10, Y: 20, Z: 30})
	rf.Result.Transform = planted
	rf.Result.Translation = planted.Translation
	require.NoError(t, align.SaveResultFile(sidecar, rf))

	app = newTestApp(&bytes.Buffer{}, AppOptions{NoRotation: true, Reuse: true, Source: source, Target: target})
	require.NoError(t, app.RunAlign(context.Background()))

	orig, err := raycloud.Load(source)
	require.NoError(t, err)
	aligned, err := raycloud.Load(filepath.Join(dir, "room_aligned.ply"))
	require.NoError(t, err)
	assert.InDelta(t, orig.Ends[0].X+10, aligned.Ends[0].X, 1e-4)
	assert.InDelta(t, orig.Ends[0].Z+30, aligned.Ends[0].Z, 1e-4)
}

func TestRunAlign_FailureRecorded(t *testing.T) {
	dir := t.TempDir()
	source, _ := writeClouds(t, dir, r3.Vec{})
	db := filepath.Join(dir, "runs.db")

	app := newTestApp(&bytes.Buffer{}, AppOptions{Source: source, Target: filepath.Join(dir, "missing.ply"), DB: db})
	require.Error(t, app.RunAlign(context.Background()))

	runs := app.Tracker.List()
	require.Len(t, runs, 1)
	assert.Equal(t, align.RunFailed, runs[0].Status)

	var listing bytes.Buffer
	hist := newTestApp(&listing, AppOptions{DB: db, History: 5})
	require.NoError(t, hist.RunHistory(5))
	assert.Contains(t, listing.String(), "failed:")
}

func TestRunHistory_Empty(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{DB: filepath.Join(t.TempDir(), "runs.db"), History: 5})
	require.NoError(t, app.RunHistory(5))
	assert.Contains(t, out.String(), "No runs recorded")
}

func TestRunAlign_MQTTWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	app := newTestApp(&bytes.Buffer{}, AppOptions{MqttMode: true, Source: "a.ply", Target: "b.ply"})
	err := app.RunAlign(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broker configured")
}

func TestSubmit_NotServing(t *testing.T) {
	app := NewApp(nil)
	_, err := app.Submit(align.Request{Source: "a.ply", Target: "b.ply"})
	assert.Error(t, err)
}

func TestRunService_ProcessesRequests(t *testing.T) {
	dir := t.TempDir()
	source, target := writeClouds(t, dir, r3.Vec{Y: 0.75})

	app := newTestApp(&bytes.Buffer{}, AppOptions{NoRotation: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunService(ctx) }()

	req := align.Request{ID: "svc-1", Source: source, Target: target}
	require.Eventually(t, func() bool {
		_, err := app.Submit(req)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := app.Submit(align.Request{Source: source})
	assert.Error(t, err, "requests need both clouds")

	require.Eventually(t, func() bool {
		run, ok := app.Tracker.Get("svc-1")
		return ok && run.Status == align.RunDone
	}, 30*time.Second, 20*time.Millisecond)

	run, _ := app.Tracker.Get("svc-1")
	assert.InDelta(t, 0.75, run.Result.Translation.Y, 0.05)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestLocalName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"scans/room.ply", "scans/room.ply"},
		{"https://example.com/scans/room.pcd", "room.pcd"},
		{"http://example.com/a/b.ply?x=1", "b.ply"},
		{"http://example.com/", "remote.ply"},
	}
	for _, tt := range tests {
		if got := localName(tt.in); got != tt.want {
			t.Errorf("localName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	app := NewApp(&out)
	res := &align.Result{AngleDegrees: 12.5, Translation: r3.Vec{X: 1, Y: 2, Z: 3}, Dims: [3]int{4, 5, 6}, VoxelWidth: 0.5}
	app.printSummary(align.Request{ID: "r1", Source: "a.ply", Target: "b.ply"}, res, "a_aligned.ply")

	s := out.String()
	for _, want := range []string{"Run r1", "12.500°", "(1.0000, 2.0000, 3.0000)", "4x5x6 @ 0.5", "a_aligned.ply"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}
