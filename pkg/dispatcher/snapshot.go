package dispatcher

import (
	"time"
)

// Snapshot is the diagnostics view of one runtime
type Snapshot struct {
	Runtime   string    `json:"runtime"`
	Phase     Phase     `json:"phase"`
	WorkerID  string    `json:"workerId,omitempty"`
	Attempts  int       `json:"attempts"`
	Pending   int       `json:"pending"`
	Bound     []string  `json:"bound"`
	Errors    []string  `json:"errors,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot returns the current state of every initialized runtime, by runtime key
func (d *Dispatcher) Snapshot() map[string]Snapshot {
	snapshots := make(map[string]Snapshot, d.states.Count())
	d.states.IterCb(func(key string, v interface{}) {
		snapshots[key] = v.(*workerState).snapshot()
	})
	return snapshots
}

// FailedRuntimes returns the runtimes that exhausted their restarts
func (d *Dispatcher) FailedRuntimes() []string {
	var failed []string
	for _, snapshot := range d.Snapshot() {
		if snapshot.Phase == PhaseFailed {
			failed = append(failed, snapshot.Runtime)
		}
	}
	return failed
}
