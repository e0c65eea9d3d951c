// Package metrics is the process-wide metrics facade.
//
// Pipeline code records through the package functions; the concrete sink is
// chosen once at startup with SetBackend. The default backend drops
// everything, so tests and the "none" configuration need no setup.
package metrics

import (
	"sync"
	"time"
)

// Metric names recorded by megashop.
const (
	StepTotal           = "megashop_step_total"
	StepDurationSeconds = "megashop_step_duration_seconds"
	RecordsTotal        = "megashop_records_total"
	FilesTotal          = "megashop_files_total"
	BatchesTotal        = "megashop_batches_total"
)

// Labels are metric dimensions. Backends turn them into tags.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered observations of the current backend.
func Flush() error { return current().Flush() }

// RecordStep counts one execution of step and its duration since start,
// labelled status=ok or status=error.
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), l)
}

// RecordRecords adds n to the records counter for kind (read, written,
// inserted, skipped).
func RecordRecords(kind string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordFile counts one arrival unit with outcome kind (applied, skipped,
// ignored).
func RecordFile(kind string) {
	IncCounter(FilesTotal, 1, Labels{"kind": kind})
}
