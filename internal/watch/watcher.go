// Package watch is the live aggregator: it watches the arrival directory and
// keeps a running count of events per region id.
//
// State machine:
//
//	idle --Start--> watching --Stop / ctx done--> idle
//
// fsnotify events are consumed by a single goroutine, so files are applied
// one at a time in event order.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"megashop/internal/metrics"
	pjson "megashop/internal/parser/json"
	"megashop/internal/storage"
)

// ErrAlreadyWatching is returned by Start on a running watcher.
var ErrAlreadyWatching = errors.New("watcher already running")

// RegionField is the record key counted by the watcher.
const RegionField = "region_id"

// Logger is the minimal logging interface used by the watcher.
type Logger interface {
	Printf(format string, v ...any)
}

// State is the watcher lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWatching
)

func (s State) String() string {
	if s == StateWatching {
		return "watching"
	}
	return "idle"
}

// Watcher applies every new arrival unit in Dir to Counter.
//
// Only Create events are handled and a file is read once, when it appears.
// Producers should write the file elsewhere on the same filesystem and
// rename it into Dir, so the watcher never reads a partial file.
type Watcher struct {
	Dir string
	// Suffix selects arrival units; empty means ".jsonl".
	Suffix  string
	Counter *RegionCounter
	// Out receives one counter snapshot line per applied file. nil disables printing.
	Out    io.Writer
	Logger Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle watcher over dir with a fresh counter.
func New(dir string, out io.Writer, logger Logger) *Watcher {
	return &Watcher{Dir: dir, Suffix: ".jsonl", Counter: NewRegionCounter(), Out: out, Logger: logger}
}

func (w *Watcher) logf(format string, v ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, v...)
	}
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start subscribes to Dir and returns once the subscription is active.
//
// Errors:
//   - ErrAlreadyWatching when the watcher is running.
//   - Dir missing or not a directory.
//   - The fsnotify watch cannot be created.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateWatching {
		return ErrAlreadyWatching
	}
	if w.Counter == nil {
		w.Counter = NewRegionCounter()
	}

	fi, err := os.Stat(w.Dir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", w.Dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(w.Dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel, w.done, w.state = cancel, done, StateWatching
	go w.loop(runCtx, fsw, done)
	w.logf("stage=watch state=watching dir=%s", w.Dir)
	return nil
}

// Stop unsubscribes and waits for the consumer goroutine. Stopping an idle
// watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current run ends. It is nil while idle.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer func() {
		_ = fsw.Close()
		w.mu.Lock()
		if w.done == done {
			w.state, w.cancel, w.done = StateIdle, nil, nil
		}
		w.mu.Unlock()
		w.logf("stage=watch state=idle dir=%s", w.Dir)
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				w.handle(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logf("stage=watch level=error err=%v", err)
		}
	}
}

func (w *Watcher) suffix() string {
	if w.Suffix == "" {
		return ".jsonl"
	}
	return w.Suffix
}

// handle applies one created path. Directories and other suffixes are ignored.
// A file that fails to open or parse is skipped without touching the counter.
func (w *Watcher) handle(ctx context.Context, path string) {
	if !strings.HasSuffix(path, w.suffix()) {
		metrics.RecordFile("ignored")
		return
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		metrics.RecordFile("ignored")
		return
	}

	delta, records, err := CountFile(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RecordFile("skipped")
		w.logf("stage=watch file=%s skipped=true err=%v", path, err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	prefix := filepath.Base(path) + " "
	if err := w.Counter.applyAndPrint(delta, w.Out, prefix); err != nil {
		w.logf("stage=watch file=%s print_err=%v", path, err)
	}
	metrics.RecordFile("applied")
	metrics.RecordRecords("read", records)
	w.logf("stage=watch file=%s records=%d regions=%d", path, records, len(delta))
}

// CountFile counts region ids in one arrival unit without touching any
// counter. Lines without region_id (or with a null one) are skipped.
func CountFile(ctx context.Context, path string) (map[string]int64, int64, error) {
	delta := map[string]int64{}
	var records int64
	err := pjson.ScanFile(ctx, path, func(_ int, obj map[string]any) error {
		records++
		v, ok := obj[RegionField]
		if !ok || v == nil {
			return nil
		}
		key := storage.NormalizeKey(v)
		if key == "" {
			return nil
		}
		delta[key]++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return delta, records, nil
}
