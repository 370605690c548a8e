// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics defines an interface to collect media cache metrics.
type Metrics interface {
	// RecordRequest records the time it takes to process a request.
	RecordRequest(method, handler string, duration float64)

	// RecordCacheRead records bytes served from the span cache (hit) or fetched because they were missing (miss).
	RecordCacheRead(hit bool, count int64)

	// RecordUpstreamResponse records the time it takes for an upstream to respond.
	RecordUpstreamResponse(hostname, op string, duration float64, count int64)

	// RecordEviction records spans discarded by the evictor.
	RecordEviction(spans int, count int64)

	// RecordBypass records a read that went straight to upstream because the cache could not serve it.
	RecordBypass(reason string)
}

// Global is the global metrics collector.
var Global Metrics = NewPromMetrics(prometheus.DefaultRegisterer)
