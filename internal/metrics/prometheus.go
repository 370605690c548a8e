// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package metrics provides metrics collectors for the media cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics is a metrics collector that stores metrics in Prometheus.
type promMetrics struct {
	requestDuration       *prometheus.HistogramVec
	cacheReadBytes        *prometheus.CounterVec
	upstreamResponseSpeed *prometheus.HistogramVec
	upstreamBytes         *prometheus.CounterVec
	evictedSpans          prometheus.Counter
	evictedBytes          prometheus.Counter
	bypassTotal           *prometheus.CounterVec
}

var _ Metrics = &promMetrics{}

// RecordRequest records the duration of a request for a specific method and handler.
func (m *promMetrics) RecordRequest(method string, handler string, duration float64) {
	m.requestDuration.WithLabelValues(method, handler).Observe(duration)
}

// RecordCacheRead counts bytes by cache result.
func (m *promMetrics) RecordCacheRead(hit bool, count int64) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheReadBytes.WithLabelValues(result).Add(float64(count))
}

// RecordUpstreamResponse records the speed and size of an upstream response.
func (m *promMetrics) RecordUpstreamResponse(hostname string, op string, duration float64, count int64) {
	m.upstreamBytes.WithLabelValues(hostname, op).Add(float64(count))
	if duration > 0 {
		m.upstreamResponseSpeed.WithLabelValues(hostname, op).Observe(float64(count) / duration)
	}
}

// RecordEviction counts evicted spans and bytes.
func (m *promMetrics) RecordEviction(spans int, count int64) {
	m.evictedSpans.Add(float64(spans))
	m.evictedBytes.Add(float64(count))
}

// RecordBypass counts cache bypasses by reason.
func (m *promMetrics) RecordBypass(reason string) {
	m.bypassTotal.WithLabelValues(reason).Inc()
}

// NewPromMetrics creates a new instance of promMetrics registered with reg.
func NewPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "mediacache_request_duration_seconds",
			Help: "Duration of requests in seconds.",
		}, []string{"method", "handler"}),

		cacheReadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediacache_cache_read_bytes_total",
			Help: "Bytes read through the cache by result.",
		}, []string{"result"}),

		upstreamResponseSpeed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "mediacache_upstream_response_speed_bytes_per_second",
			Help: "Speed of upstream response in bytes per second.",
		}, []string{"hostname", "op"}),

		upstreamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediacache_upstream_bytes_total",
			Help: "Bytes received from upstream.",
		}, []string{"hostname", "op"}),

		evictedSpans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediacache_evicted_spans_total",
			Help: "Number of cached spans evicted.",
		}),

		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediacache_evicted_bytes_total",
			Help: "Number of cached bytes evicted.",
		}),

		bypassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediacache_bypass_total",
			Help: "Reads served straight from upstream because the cache could not serve them.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.cacheReadBytes,
		m.upstreamResponseSpeed,
		m.upstreamBytes,
		m.evictedSpans,
		m.evictedBytes,
		m.bypassTotal,
	)

	return m
}
