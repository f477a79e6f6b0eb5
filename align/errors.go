package align

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimension is returned for non-positive grid or array sizes,
	// voxel widths or polar resolutions.
	ErrInvalidDimension = errors.New("invalid dimension")

	// ErrDimensionMismatch is returned when two grids or arrays of different
	// shape are combined.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmptyCloud is returned when either input cloud has no points.
	ErrEmptyCloud = errors.New("empty cloud")

	// ErrDegenerateCorrelation marks a flat correlation peak; the sub-pixel
	// offset falls back to zero.
	ErrDegenerateCorrelation = errors.New("degenerate correlation peak")

	// ErrOutOfBoundsPoint marks points that fell outside a grid and were dropped.
	ErrOutOfBoundsPoint = errors.New("point outside grid")
)

// State names a point in the alignment pipeline.
type State int

const (
	StateInit State = iota
	StateGridsBuilt
	StateRotationEstimated
	StateSourceRotated
	StateTranslationEstimated
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateGridsBuilt:
		return "GridsBuilt"
	case StateRotationEstimated:
		return "RotationEstimated"
	case StateSourceRotated:
		return "SourceRotated"
	case StateTranslationEstimated:
		return "TranslationEstimated"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StageError reports the pipeline state whose outgoing transition failed.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("alignment failed in %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage State, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
