package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"megashop/internal/config"
	"megashop/internal/metrics"
	"megashop/internal/metrics/datadog"
)

// metricsBackend is what initMetrics needs from a backend beyond
// metrics.Backend: a Close that stops the flush loop and flushes once more.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		mb, _ := b.(metrics.Backend)
		metrics.SetBackend(mb)
	}
	logPrintf = log.Printf
)

// initMetrics wires the backend named by cfg.Backend into the metrics
// package. The returned cleanup is never nil and is safe to call once.
//
// "datadog" (alias "dd") buffers observations, submits them every
// cfg.FlushEvery and once more on cleanup. "" and "none" keep the nop backend.
func initMetrics(ctx context.Context, cfg config.MetricsConfig, job string) (func(), error) {
	nop := func() {}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none", "nop":
		return nop, nil

	case "datadog", "dd":
		if job == "" {
			job = "megashop"
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       datadog.ParseTagsCSV(cfg.Tags),
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			return nop, datadog.WrapInitErr(err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}
