// Package align registers one ray cloud onto another with a rigid yaw and
// translation transform estimated by frequency-domain phase correlation.
package align

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/kwv/rayalign/raycloud"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// StageDurations records the wall time of each pipeline transition.
type StageDurations struct {
	Grids       time.Duration `json:"grids"`
	Rotation    time.Duration `json:"rotation"`
	Rotate      time.Duration `json:"rotate"`
	Translation time.Duration `json:"translation"`
	Total       time.Duration `json:"total"`
}

// Result contains the outcome of an alignment.
type Result struct {
	Transform        raycloud.RigidTransform `json:"transform"`
	Angle            float64                 `json:"angle"`        // yaw in radians
	AngleDegrees     float64                 `json:"angleDegrees"` // yaw in degrees
	Translation      r3.Vec                  `json:"translation"`
	RotationPeak     Peak                    `json:"rotationPeak"`
	TranslationPeak  [3]Peak                 `json:"translationPeak"`
	RotationScore    float64                 `json:"rotationScore"`    // angular correlation at the peak
	TranslationScore float64                 `json:"translationScore"` // 3D correlation at the peak
	Confidence       float64                 `json:"confidence"`       // translation peak height in standard deviations
	DroppedPoints    int                     `json:"droppedPoints"`
	DegeneratePeaks  int                     `json:"degeneratePeaks"`
	Dims             [3]int                  `json:"dims"`
	VoxelWidth       float64                 `json:"voxelWidth"`
	Candidates       int                     `json:"candidates"` // rotation hypotheses evaluated
	SourceBounds     raycloud.BoundingBox    `json:"sourceBounds"`
	TargetBounds     raycloud.BoundingBox    `json:"targetBounds"`
	Durations        StageDurations          `json:"durations"`

	// RotationCorrelation is the summed angular correlation, nil when
	// rotation was not estimated.
	RotationCorrelation []float64 `json:"-"`
}

// Diagnostics returns the conditions the run recovered from, wrapping
// ErrOutOfBoundsPoint and ErrDegenerateCorrelation.
func (r *Result) Diagnostics() []error {
	var diags []error
	if r.DroppedPoints > 0 {
		diags = append(diags, fmt.Errorf("%d points dropped: %w", r.DroppedPoints, ErrOutOfBoundsPoint))
	}
	if r.DegeneratePeaks > 0 {
		diags = append(diags, fmt.Errorf("%d peaks without sub-voxel refinement: %w", r.DegeneratePeaks, ErrDegenerateCorrelation))
	}
	return diags
}

// Aligner runs the registration pipeline:
// Init → GridsBuilt → RotationEstimated → SourceRotated → TranslationEstimated → Done.
type Aligner struct {
	config    Config
	resampler *PolarResampler
	debug     *DebugWriter
}

// NewAligner validates config and prepares an aligner.
func NewAligner(config Config) (*Aligner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	resampler, err := NewPolarResampler(config.PolarAngleResolution, config.PolarRadiusResolution)
	if err != nil {
		return nil, err
	}
	a := &Aligner{config: config, resampler: resampler}
	if config.DebugImageOutput {
		a.debug = NewDebugWriter(config.DebugDir)
	}
	return a, nil
}

// Config returns the settings the aligner was built with.
func (a *Aligner) Config() Config { return a.config }

// gridStage holds both clouds voxelized over shared dims and forward transformed.
type gridStage struct {
	source                 *raycloud.Cloud
	sourceBox, targetBox   raycloud.BoundingBox
	dims                   [3]int
	sourceGrid, targetGrid *Grid3D
}

type rotationStage struct {
	candidates               []float64
	peak                     Peak
	score                    float64
	correlation              []float64
	sourcePolar, targetPolar *PolarField
}

// rotatedStage is a private yawed copy of the source, re-voxelized.
type rotatedStage struct {
	angle float64
	box   raycloud.BoundingBox
	grid  *Grid3D
}

type translationStage struct {
	angle       float64
	translation r3.Vec
	peaks       [3]Peak
	score       float64
	confidence  float64
	dropped     int
}

// Estimate computes the transform that maps source onto target without
// modifying either cloud.
func (a *Aligner) Estimate(source, target *raycloud.Cloud) (*Result, error) {
	var durations StageDurations
	start := time.Now()

	gs, err := a.buildGrids(source, target)
	if err != nil {
		return nil, stageErr(StateInit, err)
	}
	durations.Grids = time.Since(start)
	log.Printf("Grids built: dims %v, voxel %.3f (%v)", gs.dims, a.config.VoxelWidth, durations.Grids.Round(time.Millisecond))

	t := time.Now()
	rs, err := a.estimateRotation(gs)
	if err != nil {
		return nil, stageErr(StateGridsBuilt, err)
	}
	durations.Rotation = time.Since(t)
	if a.config.EstimateRotation {
		log.Printf("Rotation estimate: %.2f° (peak bin %d, %d candidates)", rs.candidates[0]*180/math.Pi, rs.peak.Index, len(rs.candidates))
	}
	if a.debug != nil {
		a.debug.writeRotationImages(gs, rs)
	}

	var best *translationStage
	for _, angle := range rs.candidates {
		t = time.Now()
		rot, err := a.rotateSource(gs, angle)
		if err != nil {
			return nil, stageErr(StateRotationEstimated, err)
		}
		durations.Rotate += time.Since(t)

		t = time.Now()
		ts, err := a.estimateTranslation(gs, rot)
		if err != nil {
			return nil, stageErr(StateSourceRotated, err)
		}
		durations.Translation += time.Since(t)

		if len(rs.candidates) > 1 {
			log.Printf("   Candidate %.2f°: score %.4g, translation (%.3f, %.3f, %.3f)",
				angle*180/math.Pi, ts.score, ts.translation.X, ts.translation.Y, ts.translation.Z)
		}
		if best == nil || ts.score > best.score {
			best = ts
		}
	}
	durations.Total = time.Since(start)

	result := &Result{
		Transform:           raycloud.NewYawTransform(best.angle, best.translation),
		Angle:               best.angle,
		AngleDegrees:        best.angle * 180 / math.Pi,
		Translation:         best.translation,
		RotationPeak:        rs.peak,
		TranslationPeak:     best.peaks,
		RotationScore:       rs.score,
		TranslationScore:    best.score,
		Confidence:          best.confidence,
		DroppedPoints:       gs.targetGrid.Dropped() + best.dropped,
		Dims:                gs.dims,
		VoxelWidth:          a.config.VoxelWidth,
		Candidates:          len(rs.candidates),
		SourceBounds:        gs.sourceBox,
		TargetBounds:        gs.targetBox,
		Durations:           durations,
		RotationCorrelation: rs.correlation,
	}
	if a.config.EstimateRotation && rs.peak.Degenerate {
		result.DegeneratePeaks++
	}
	for _, p := range best.peaks {
		if p.Degenerate {
			result.DegeneratePeaks++
		}
	}

	log.Printf("Alignment: yaw %.2f°, translation (%.3f, %.3f, %.3f), confidence %.1fσ (%v)",
		result.AngleDegrees, result.Translation.X, result.Translation.Y, result.Translation.Z,
		result.Confidence, durations.Total.Round(time.Millisecond))
	for _, d := range result.Diagnostics() {
		log.Printf("Warning: %v", d)
	}
	return result, nil
}

// Align estimates the transform and applies it to source in place. On
// error source is left untouched.
func (a *Aligner) Align(source, target *raycloud.Cloud) (*Result, error) {
	result, err := a.Estimate(source, target)
	if err != nil {
		return nil, err
	}
	result.Transform.ApplyToCloud(source)
	return result, nil
}

// Init → GridsBuilt
func (a *Aligner) buildGrids(source, target *raycloud.Cloud) (*gridStage, error) {
	if source.Len() == 0 {
		return nil, fmt.Errorf("source: %w", ErrEmptyCloud)
	}
	if target.Len() == 0 {
		return nil, fmt.Errorf("target: %w", ErrEmptyCloud)
	}
	sourceBox, err := raycloud.Bounds(source.Ends)
	if err != nil {
		return nil, fmt.Errorf("source bounds: %w: %w", ErrEmptyCloud, err)
	}
	targetBox, err := raycloud.Bounds(target.Ends)
	if err != nil {
		return nil, fmt.Errorf("target bounds: %w: %w", ErrEmptyCloud, err)
	}

	extent := sharedExtent(sourceBox, targetBox, a.config.EstimateRotation)
	dims, err := GridDims(extent, a.config.VoxelWidth)
	if err != nil {
		return nil, err
	}

	gs := &gridStage{
		source:    source,
		sourceBox: sourceBox,
		targetBox: targetBox,
		dims:      dims,
	}
	var eg errgroup.Group
	eg.Go(func() error {
		g, err := buildSpectrum(source.Ends, sourceBox.Min, a.config.VoxelWidth, dims)
		gs.sourceGrid = g
		return err
	})
	eg.Go(func() error {
		g, err := buildSpectrum(target.Ends, targetBox.Min, a.config.VoxelWidth, dims)
		gs.targetGrid = g
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return gs, nil
}

// sharedExtent is the componentwise larger extent of the two boxes. When
// the source will be yawed the xy extent grows to the widest planar
// diagonal so any rotation of either cloud still fits.
func sharedExtent(a, b raycloud.BoundingBox, rotating bool) r3.Vec {
	ea, eb := a.Extent(), b.Extent()
	e := r3.Vec{X: max(ea.X, eb.X), Y: max(ea.Y, eb.Y), Z: max(ea.Z, eb.Z)}
	if rotating {
		d := max(a.PlanarDiagonal(), b.PlanarDiagonal())
		e.X, e.Y = d, d
	}
	return e
}

// buildSpectrum voxelizes points into a new grid and forward transforms it.
func buildSpectrum(points []r3.Vec, origin r3.Vec, voxelWidth float64, dims [3]int) (*Grid3D, error) {
	g, err := NewGrid3D(origin, voxelWidth, dims)
	if err != nil {
		return nil, err
	}
	g.Fill(points)
	g.Forward()
	return g, nil
}

// GridsBuilt → RotationEstimated
func (a *Aligner) estimateRotation(gs *gridStage) (*rotationStage, error) {
	if !a.config.EstimateRotation {
		return &rotationStage{candidates: []float64{0}}, nil
	}

	rs := &rotationStage{}
	var eg errgroup.Group
	eg.Go(func() error {
		f, err := a.resampler.Resample(gs.sourceGrid)
		rs.sourcePolar = f
		return err
	})
	eg.Go(func() error {
		f, err := a.resampler.Resample(gs.targetGrid)
		rs.targetPolar = f
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	corr, err := AngularCorrelation(rs.sourcePolar, rs.targetPolar, a.config.correlationMode())
	if err != nil {
		return nil, err
	}
	rs.correlation = corr.Real()
	idx := corr.MaxRealIndex()
	rs.peak = RefineCircular(rs.correlation, idx)
	rs.score = rs.correlation[idx]
	if rs.peak.Degenerate {
		log.Printf("Warning: flat angular correlation at bin %d: %v", idx, ErrDegenerateCorrelation)
	}

	angle := rs.peak.Angle(len(rs.correlation))
	rs.candidates = []float64{angle}
	if a.config.ResolveHalfTurn {
		rs.candidates = append(rs.candidates, raycloud.NormalizeAngle(angle+math.Pi))
	}
	return rs, nil
}

// RotationEstimated → SourceRotated
func (a *Aligner) rotateSource(gs *gridStage, angle float64) (*rotatedStage, error) {
	points := append([]r3.Vec(nil), gs.source.Ends...)
	if angle != 0 {
		raycloud.NewYawTransform(angle, r3.Vec{}).ApplyAll(points)
	}
	box, err := raycloud.Bounds(points)
	if err != nil {
		return nil, fmt.Errorf("rotated source bounds: %w", err)
	}
	grid, err := buildSpectrum(points, box.Min, a.config.VoxelWidth, gs.dims)
	if err != nil {
		return nil, err
	}
	return &rotatedStage{angle: angle, box: box, grid: grid}, nil
}

// SourceRotated → TranslationEstimated
func (a *Aligner) estimateTranslation(gs *gridStage, rot *rotatedStage) (*translationStage, error) {
	dropped := rot.grid.Dropped()
	cross := rot.grid
	if err := cross.ConjugateMultiply(gs.targetGrid); err != nil {
		return nil, err
	}
	if a.config.PhaseOnly {
		cross.Whiten()
	}
	cross.Inverse()

	idx := cross.MaxRealIndex()
	ts := &translationStage{
		angle:   rot.angle,
		score:   real(cross.At(idx[0], idx[1], idx[2])),
		dropped: dropped,
	}
	ts.confidence = PeakConfidence(cross.RealParts(), cross.Index(idx[0], idx[1], idx[2]))

	dims := cross.Dims()
	for axis := 0; axis < 3; axis++ {
		if dims[axis] == 1 {
			continue
		}
		lo, hi := idx, idx
		lo[axis]--
		hi[axis]++
		ts.peaks[axis] = RefinePeak(idx[axis], dims[axis],
			real(cross.AtWrapped(lo[0], lo[1], lo[2])),
			ts.score,
			real(cross.AtWrapped(hi[0], hi[1], hi[2])))
		if ts.peaks[axis].Degenerate {
			log.Printf("Warning: flat translation peak on axis %d: %v", axis, ErrDegenerateCorrelation)
		}
	}

	w := a.config.VoxelWidth
	offset := r3.Sub(gs.targetBox.Min, rot.box.Min)
	ts.translation = r3.Vec{
		X: offset.X + ts.peaks[0].Shift(w),
		Y: offset.Y + ts.peaks[1].Shift(w),
		Z: offset.Z + ts.peaks[2].Shift(w),
	}
	return ts, nil
}
