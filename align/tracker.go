package align

import (
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a tracked run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// TrackedRun is the in-memory view of a run served over HTTP.
type TrackedRun struct {
	RunID    string    `json:"runId"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Status   RunStatus `json:"status"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
	Result   *Result   `json:"result,omitempty"`
}

// Tracker keeps the most recent runs and the overlay of the latest
// successful one for HTTP endpoints.
type Tracker struct {
	mu       sync.RWMutex
	runs     map[string]*TrackedRun
	order    []string // oldest first
	capacity int
	latest   string // last run that finished successfully
	overlay  []byte
}

// NewTracker creates a tracker holding at most capacity runs (default 100).
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 100
	}
	return &Tracker{
		runs:     make(map[string]*TrackedRun),
		capacity: capacity,
	}
}

// Start records a run as running, evicting the oldest run when full.
func (t *Tracker) Start(runID, source, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.runs[runID]; !ok {
		t.order = append(t.order, runID)
	}
	t.runs[runID] = &TrackedRun{
		RunID:   runID,
		Source:  source,
		Target:  target,
		Status:  RunRunning,
		Started: time.Now(),
	}

	for len(t.order) > t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.runs, oldest)
		if oldest == t.latest {
			t.latest = ""
			t.overlay = nil
		}
	}
}

// Finish marks a run done and makes it the latest. The served overlay is
// replaced by overlay, or cleared when the run produced none.
func (t *Tracker) Finish(runID string, result *Result, overlay []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok {
		return
	}
	run.Status = RunDone
	run.Result = result
	run.Finished = time.Now()
	t.latest = runID
	t.overlay = nil
	if len(overlay) > 0 {
		t.overlay = overlay
	}
}

// Fail marks a run failed.
func (t *Tracker) Fail(runID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok {
		return
	}
	run.Status = RunFailed
	run.Error = err.Error()
	run.Finished = time.Now()
}

// Get returns a copy of a tracked run.
func (t *Tracker) Get(runID string) (TrackedRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	if !ok {
		return TrackedRun{}, false
	}
	return *run, true
}

// List returns copies of all tracked runs, newest first.
func (t *Tracker) List() []TrackedRun {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrackedRun, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, *t.runs[t.order[i]])
	}
	return out
}

// Latest returns the last run that finished successfully.
func (t *Tracker) Latest() (TrackedRun, bool) {
	t.mu.RLock()
	id := t.latest
	t.mu.RUnlock()
	if id == "" {
		return TrackedRun{}, false
	}
	return t.Get(id)
}

// Overlay returns the SVG overlay of the latest successful run.
func (t *Tracker) Overlay() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overlay
}
