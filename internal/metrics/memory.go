// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	hmetrics "github.com/hashicorp/go-metrics"
)

var (
	// Path is the default path to write metrics.
	Path = "/var/log/mediacache-metrics"

	// ReportInterval is the interval to report metrics.
	ReportInterval = 3 * time.Minute

	// AggregationInterval is the interval to aggregate metrics.
	AggregationInterval = 2 * time.Minute

	// RetentionPeriod is the retention period of metrics.
	RetentionPeriod = 10 * time.Minute
)

// memoryMetrics is a metrics collector that stores metrics in memory.
type memoryMetrics struct {
	sink *hmetrics.InmemSink

	reportingInterval time.Duration
	reportFilePath    string
}

var _ Metrics = &memoryMetrics{}

// RecordRequest records the time it takes to process a request.
func (m *memoryMetrics) RecordRequest(method string, handler string, duration float64) {
	m.sink.AddSample([]string{"latency", "server", method + "_" + handler}, float32(duration))
}

// RecordCacheRead records bytes by cache result.
func (m *memoryMetrics) RecordCacheRead(hit bool, count int64) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.sink.IncrCounter([]string{"cache", result, "bytes"}, float32(count))
}

// RecordUpstreamResponse records the time it takes for an upstream to respond.
func (m *memoryMetrics) RecordUpstreamResponse(hostname, op string, duration float64, count int64) {
	m.sink.AddSample([]string{"latency", hostname, op}, float32(duration))
	m.sink.AddSample([]string{"bytes", hostname, op}, float32(count))

	if duration > 0 {
		m.sink.AddSample([]string{"speed", hostname, op}, float32(float64(count)/duration))
	}
}

// RecordEviction records evicted spans and bytes.
func (m *memoryMetrics) RecordEviction(spans int, count int64) {
	m.sink.IncrCounter([]string{"eviction", "spans"}, float32(spans))
	m.sink.IncrCounter([]string{"eviction", "bytes"}, float32(count))
}

// RecordBypass records a cache bypass.
func (m *memoryMetrics) RecordBypass(reason string) {
	m.sink.IncrCounter([]string{"bypass", reason}, 1)
}

// report writes the aggregated samples and counters of every retained interval.
func (m *memoryMetrics) report(w io.Writer) error {
	for _, interval := range m.sink.Data() {
		interval.RLock()
		lines := []string{}
		for name, s := range interval.Samples {
			lines = append(lines, fmt.Sprintf("%s sample %s count=%d mean=%f max=%f", interval.Interval.Format(time.RFC3339), name, s.Count, s.AggregateSample.Mean(), s.Max))
		}
		for name, c := range interval.Counters {
			lines = append(lines, fmt.Sprintf("%s counter %s count=%d sum=%f", interval.Interval.Format(time.RFC3339), name, c.Count, c.Sum))
		}
		interval.RUnlock()

		sort.Strings(lines)
		for _, l := range lines {
			if _, err := fmt.Fprintln(w, l); err != nil {
				return err
			}
		}
	}
	return nil
}

// reportPeriodically reports the current metrics to a file until ctx is done.
func (m *memoryMetrics) reportPeriodically(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.reportingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f, err := os.OpenFile(m.reportFilePath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					continue
				}
				_ = m.report(f)
				_ = f.Sync()
				f.Close()
			}
		}
	}()
}

// NewMemoryMetrics returns a new memory metrics collector that reports to Path until ctx is done.
func NewMemoryMetrics(ctx context.Context) (Metrics, error) {
	sink := hmetrics.NewInmemSink(AggregationInterval, RetentionPeriod)

	c := hmetrics.DefaultConfig("mediacache")
	c.EnableRuntimeMetrics = false

	if _, err := hmetrics.New(c, sink); err != nil {
		return nil, err
	}

	m := &memoryMetrics{sink, ReportInterval, Path}
	m.reportPeriodically(ctx)

	return m, nil
}
