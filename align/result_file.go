package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kwv/rayalign/raycloud"
)

// ResultFile is the JSON sidecar written next to an aligned cloud.
type ResultFile struct {
	RunID       string  `json:"runId,omitempty"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	LastUpdated int64   `json:"lastUpdated"`
	Result      *Result `json:"result"`
}

// ResultPath returns "<stub>_aligned.json" for a source cloud path.
func ResultPath(sourcePath string) string {
	return raycloud.Stub(sourcePath) + "_aligned.json"
}

// LoadResultFile reads a sidecar. A missing file returns nil, nil.
func LoadResultFile(path string) (*ResultFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var rf ResultFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}
	return &rf, nil
}

// SaveResultFile writes rf as indented JSON, stamping LastUpdated.
func SaveResultFile(path string, rf *ResultFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}

	rf.LastUpdated = time.Now().Unix()
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	return nil
}

// Transform returns the stored transform, or identity when there is none.
func (rf *ResultFile) Transform() raycloud.RigidTransform {
	if rf == nil || rf.Result == nil {
		return raycloud.Identity()
	}
	return rf.Result.Transform
}

// Reusable reports whether rf holds a result for the same pair of clouds
// that is younger than maxAge. maxAge <= 0 never expires.
func (rf *ResultFile) Reusable(source, target string, maxAge time.Duration) bool {
	if rf == nil || rf.Result == nil || rf.LastUpdated == 0 {
		return false
	}
	if rf.Source != source || rf.Target != target {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return time.Since(time.Unix(rf.LastUpdated, 0)) <= maxAge
}
