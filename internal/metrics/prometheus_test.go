// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics_RecordRequest(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg)

	m.RecordRequest("GET", "media", 0.5)
	m.RecordRequest("GET", "media", 0.25)

	expected := `
		# HELP mediacache_request_duration_seconds Duration of requests in seconds.
		# TYPE mediacache_request_duration_seconds histogram
		mediacache_request_duration_seconds_sum{handler="media",method="GET"} 0.75
		mediacache_request_duration_seconds_count{handler="media",method="GET"} 2
	`

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mediacache_request_duration_seconds_sum", "mediacache_request_duration_seconds_count"); err != nil {
		t.Errorf("unexpected metric result:\n%s", err)
	}
}

func TestPromMetrics_RecordCacheRead(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg)

	m.RecordCacheRead(true, 1024)
	m.RecordCacheRead(false, 10)
	m.RecordCacheRead(true, 1)

	expected := `
		# HELP mediacache_cache_read_bytes_total Bytes read through the cache by result.
		# TYPE mediacache_cache_read_bytes_total counter
		mediacache_cache_read_bytes_total{result="hit"} 1025
		mediacache_cache_read_bytes_total{result="miss"} 10
	`

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mediacache_cache_read_bytes_total"); err != nil {
		t.Errorf("unexpected metric result:\n%s", err)
	}
}

func TestPromMetrics_RecordUpstreamResponse(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg)

	m.RecordUpstreamResponse("example.com", "fetch", 2.0, 1024)

	expected := `
		# HELP mediacache_upstream_bytes_total Bytes received from upstream.
		# TYPE mediacache_upstream_bytes_total counter
		mediacache_upstream_bytes_total{hostname="example.com",op="fetch"} 1024
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mediacache_upstream_bytes_total"); err != nil {
		t.Errorf("unexpected metric result:\n%s", err)
	}

	expected = `
		# HELP mediacache_upstream_response_speed_bytes_per_second Speed of upstream response in bytes per second.
		# TYPE mediacache_upstream_response_speed_bytes_per_second histogram
		mediacache_upstream_response_speed_bytes_per_second_sum{hostname="example.com",op="fetch"} 512
		mediacache_upstream_response_speed_bytes_per_second_count{hostname="example.com",op="fetch"} 1
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mediacache_upstream_response_speed_bytes_per_second_sum", "mediacache_upstream_response_speed_bytes_per_second_count"); err != nil {
		t.Errorf("unexpected metric result:\n%s", err)
	}
}

func TestPromMetrics_RecordEvictionAndBypass(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg)

	m.RecordEviction(3, 300)
	m.RecordBypass("write")
	m.RecordBypass("write")

	if got := testutil.ToFloat64(m.evictedSpans); got != 3 {
		t.Errorf("expected %v, got %v", 3, got)
	}
	if got := testutil.ToFloat64(m.evictedBytes); got != 300 {
		t.Errorf("expected %v, got %v", 300, got)
	}
	if got := testutil.ToFloat64(m.bypassTotal.WithLabelValues("write")); got != 2 {
		t.Errorf("expected %v, got %v", 2, got)
	}
}
