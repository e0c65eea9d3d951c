package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	hists    map[string][]float64
	flushes  int
}

func newRecording() *recordingBackend {
	return &recordingBackend{counters: map[string]float64{}, hists: map[string][]float64{}}
}

func (r *recordingBackend) IncCounter(name string, delta float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name+"/"+l["step"]+l["kind"]+"/"+l["status"]] += delta
}

func (r *recordingBackend) ObserveHistogram(name string, v float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists[name] = append(r.hists[name], v)
}

func (r *recordingBackend) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func TestRecordStep_StatusLabel(t *testing.T) {
	rb := newRecording()
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordStep("etl", time.Now(), nil)
	RecordStep("etl", time.Now(), errors.New("boom"))

	if rb.counters[StepTotal+"/etl/ok"] != 1 || rb.counters[StepTotal+"/etl/error"] != 1 {
		t.Fatalf("unexpected counters: %v", rb.counters)
	}
	if len(rb.hists[StepDurationSeconds]) != 2 {
		t.Fatalf("want 2 duration samples, got %v", rb.hists)
	}
}

func TestRecordRecords_IgnoresNonPositive(t *testing.T) {
	rb := newRecording()
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRecords("read", 0)
	RecordRecords("read", -3)
	RecordRecords("read", 5)

	if got := rb.counters[RecordsTotal+"/read/"]; got != 5 {
		t.Fatalf("records counter=%v, want 5", got)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	SetBackend(nil)
	IncCounter("anything", 1, nil)
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
}
