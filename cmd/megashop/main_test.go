package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"megashop/internal/config"
	"megashop/internal/engine"
	"megashop/internal/metrics/datadog"
	"megashop/internal/multitable"
	"megashop/internal/storage"
)

type fakeLoader struct {
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg multitable.Pipeline
}

func (l *fakeLoader) Run(ctx context.Context, cfg multitable.Pipeline) (multitable.Stats, error) {
	l.calls.Add(1)
	l.mu.Lock()
	l.lastCfg = cfg
	l.mu.Unlock()
	return multitable.Stats{Rows: 3, Inserted: 2, Dropped: 1}, l.err
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// testConfig lays the data lake out under a temp dir.
func testConfig(t *testing.T) config.Pipeline {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.Paths{BaseDir: base, ChartPath: filepath.Join(base, "chart.png")}
	cfg.Watch.Dir = ""
	cfg.Normalize()
	require.NoError(t, os.MkdirAll(cfg.Paths.JSONDir, 0o755))
	return cfg
}

func testDeps(t *testing.T, cfg config.Pipeline, ld loader) appDeps {
	t.Helper()
	return appDeps{
		loadConfig:  func(string) (config.Pipeline, error) { return cfg, nil },
		newLogger:   func(string, bool) (*zap.Logger, error) { return zap.NewNop(), nil },
		initMetrics: func(context.Context, config.MetricsConfig, string) (func(), error) { return func() {}, nil },
		openEngine:  engine.Open,
		newLoader:   func(multitable.Logger) loader { return ld },
		notifyContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(ctx)
		},
	}
}

func run(t *testing.T, deps appDeps, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = runMain(context.Background(), args, &out, &errOut, deps)
	return code, out.String(), errOut.String()
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"etl", "--nope"}, "unknown flag"},
		{"positional args", []string{"etl", "extra"}, "takes no arguments"},
		{"bad lang", []string{"report", "--lang", "!!"}, "--lang"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			code, stdout, stderr := run(t, testDeps(t, cfg, &fakeLoader{}), tc.args...)
			assert.Equal(t, exitUsage, code, "stderr=%s", stderr)
			assert.Contains(t, stderr, tc.want)
			assert.Empty(t, stdout)
		})
	}
}

func TestRunMain_ConfigErrorsAreUsageErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	deps := testDeps(t, cfg, &fakeLoader{})
	deps.loadConfig = func(path string) (config.Pipeline, error) {
		assert.Equal(t, "cfg.json", path)
		return config.Pipeline{}, errors.New("no such file")
	}
	code, _, stderr := run(t, deps, "--config", "cfg.json", "etl")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "load config")

	deps = testDeps(t, cfg, &fakeLoader{})
	deps.openEngine = func(string, engine.Options) (engine.Engine, error) {
		t.Fatalf("openEngine must not be called for an invalid config")
		return nil, nil
	}
	code, _, stderr = run(t, deps, "--engine", "spark", "batch", "sum")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "engine.kind")
}

func TestRunMain_BatchSumAndMean(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.Paths.JSONDir, "a.jsonl"),
		`{"amount": 10.5, "year": 2023}`+"\n"+`{"amount": 4.5, "year": 2024}`+"\n")
	writeFile(t, filepath.Join(cfg.Paths.JSONDir, "b.jsonl"),
		`{"amount": 5, "year": 2023}`+"\n\n"+`{"year": 2024}`+"\n")
	writeFile(t, filepath.Join(cfg.Paths.JSONDir, "notes.txt"), "ignored")

	deps := testDeps(t, cfg, &fakeLoader{})

	code, stdout, stderr := run(t, deps, "batch", "sum", "--engine", "memory")
	require.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Equal(t, "total_amount=20.00 engine=memory\n", stdout)

	code, stdout, stderr = run(t, deps, "batch", "mean")
	require.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Equal(t, "year=2023 mean_amount=7.7500\nyear=2024 mean_amount=4.5000\n", stdout)
}

func TestRunMain_BatchMalformedJSONFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.Paths.JSONDir, "bad.jsonl"), `{"amount": 1}`+"\n"+`{"amount":`+"\n")

	code, _, stderr := run(t, testDeps(t, cfg, &fakeLoader{}), "batch", "sum")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "bad.jsonl:2")
}

func TestRunMain_Load(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ld := &fakeLoader{}
	code, _, stderr := run(t, testDeps(t, cfg, ld), "load")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "warehouse.kind")
	assert.Zero(t, ld.calls.Load())

	cfg.Warehouse.Kind = "sqlite"
	cfg.Warehouse.DSN = filepath.Join(t.TempDir(), "w.db")
	cfg.Warehouse.Tables = []storage.TableSpec{{
		Name: "fact_sales",
		Load: storage.LoadSpec{
			Kind:     "fact",
			FromRows: []storage.FromRowSpec{{TargetColumn: "amount", SourceField: "amount"}},
		},
	}}
	code, stdout, stderr := run(t, testDeps(t, cfg, ld), "load")
	require.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Equal(t, "rows=3 inserted=2 dropped=1 warehouse=sqlite\n", stdout)
	assert.Equal(t, int64(1), ld.calls.Load())
	assert.Equal(t, cfg.Paths.ProcessedDir, ld.lastCfg.Source)
	assert.Equal(t, "row_hash", ld.lastCfg.RowHash.TargetField)

	ld.err = errors.New("db down")
	code, _, stderr = run(t, testDeps(t, cfg, ld), "load")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "load: db down")
}

func TestRunMain_Validate(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	code, stdout, stderr := run(t, testDeps(t, cfg, &fakeLoader{}), "validate")
	require.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Equal(t, "config ok\n", stdout)

	cfg.Engine.Kind = "spark"
	cfg.Paths.ChartPath = "chart.svg"
	code, stdout, stderr = run(t, testDeps(t, cfg, &fakeLoader{}), "validate")
	assert.Equal(t, exitUsage, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "error: engine.kind")
	assert.Contains(t, stderr, "warning: paths.chart_path")
}

func TestRunMain_MetricsInitAndCleanup(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	deps := testDeps(t, cfg, &fakeLoader{})
	deps.initMetrics = func(context.Context, config.MetricsConfig, string) (func(), error) {
		return func() {}, errors.New("metrics unavailable")
	}
	code, _, stderr := run(t, deps, "batch", "sum")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "init metrics")

	var cleanups atomic.Int64
	var gotBackend, gotJob string
	deps = testDeps(t, cfg, &fakeLoader{})
	deps.initMetrics = func(_ context.Context, m config.MetricsConfig, job string) (func(), error) {
		gotBackend, gotJob = m.Backend, job
		return func() { cleanups.Add(1) }, nil
	}
	code, _, stderr = run(t, deps, "--metrics-backend", "datadog", "batch", "sum")
	require.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Equal(t, "datadog", gotBackend)
	assert.Equal(t, cfg.Job, gotJob)
	assert.Equal(t, int64(1), cleanups.Load())
}

func TestRunMain_ETLMissingInputs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	code, stdout, stderr := run(t, testDeps(t, cfg, &fakeLoader{}), "etl")
	assert.Equal(t, exitError, code)
	assert.Empty(t, stdout)
	assert.NotEmpty(t, stderr)
	_, err := os.Stat(cfg.Paths.ProcessedDir)
	assert.True(t, os.IsNotExist(err), "nothing is written when inputs are missing")
}

func TestRunMain_ReportEmptyStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	code, stdout, stderr := run(t, testDeps(t, cfg, &fakeLoader{}), "report")
	require.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Contains(t, stdout, "categories=0")
	fi, err := os.Stat(cfg.Paths.ChartPath)
	require.NoError(t, err)
	assert.Positive(t, fi.Size())
}

func TestRunMain_WatchStopsOnSignal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	deps := testDeps(t, cfg, &fakeLoader{})
	deps.notifyContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		return ctx, cancel
	}
	code, stdout, stderr := run(t, deps, "watch")
	assert.Equal(t, exitOK, code, "stderr=%s", stderr)
	assert.Empty(t, stdout)

	cfg.Watch.Dir = filepath.Join(t.TempDir(), "missing")
	code, _, stderr = run(t, testDeps(t, cfg, &fakeLoader{}), "watch")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "watch")
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(any) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none"} {
		cleanup, err := initMetrics(context.Background(), config.MetricsConfig{Backend: name}, "job")
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}

	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(),
		config.MetricsConfig{Backend: "datadog", Tags: "service:megashop, team:data"}, "jobA")
	require.NoError(t, err)

	assert.Equal(t, "jobA", gotOpts.JobName)
	assert.Equal(t, []string{"service:megashop", "team:data"}, gotOpts.Tags)
	assert.Equal(t, int64(1), newCalls.Load())
	assert.Equal(t, int64(1), setCalls.Load())

	cleanup()
	assert.Equal(t, int64(1), b.closed.Load())
	assert.Equal(t, int64(2), setCalls.Load(), "cleanup restores the nop backend")
	assert.Zero(t, logged.Len())
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(any) {}

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), config.MetricsConfig{Backend: "dd"}, "job")
	require.NoError(t, err)
	cleanup()

	assert.Equal(t, int64(1), b.closed.Load())
	assert.Contains(t, logged.String(), "metrics: datadog close error")
	assert.Contains(t, logged.String(), "flush failed")
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), config.MetricsConfig{Backend: "statsd"}, "job")
	require.Error(t, err)
	require.NotNil(t, cleanup)
	cleanup()
}

func TestIsUsage(t *testing.T) {
	t.Parallel()

	assert.True(t, isUsage(usagef("bad")))
	assert.True(t, isUsage(fmt.Errorf("wrapped: %w", usageError{errors.New("x")})))
	assert.True(t, isUsage(errors.New(`unknown command "x" for "megashop"`)))
	assert.False(t, isUsage(errors.New("disk full")))
	assert.True(t, isUsage(errors.New("flag needs an argument: --config")))
}
