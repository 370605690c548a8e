// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package math

import (
	"io"
	"sort"
	"sync"
	"time"
)

const mib = 1024 * 1024

// PercentilesFloat64Reverse returns the values at the given percentiles of xs sorted in descending order.
// For speeds, p0.9 is the value that 90% of the samples reach. xs is sorted in place.
func PercentilesFloat64Reverse(xs []float64, ps ...float64) []float64 {
	if len(xs) == 0 {
		return nil
	}

	sort.Sort(reverseFloat64Slice(xs))
	results := make([]float64, 0, len(ps))

	for _, p := range ps {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}

		i := int(float64(len(xs)-1) * p)
		results = append(results, xs[i])
	}

	return results
}

// Throughput collects the speed of successive reads.
type Throughput struct {
	mu     sync.Mutex
	speeds []float64
	bytes  int64
}

// Observe records a read of n bytes that took d.
func (t *Throughput) Observe(n int, d time.Duration) {
	if n <= 0 || d <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.speeds = append(t.speeds, float64(n)/d.Seconds())
	t.bytes += int64(n)
}

// Bytes returns the total bytes observed.
func (t *Throughput) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Percentiles returns the read speeds in MiB/s at the given percentiles, fastest first.
func (t *Throughput) Percentiles(ps ...float64) []float64 {
	t.mu.Lock()
	xs := append([]float64(nil), t.speeds...)
	t.mu.Unlock()

	results := PercentilesFloat64Reverse(xs, ps...)
	for i := range results {
		results[i] /= mib
	}
	return results
}

// Reader returns a reader that observes every read of r.
func (t *Throughput) Reader(r io.Reader) io.Reader {
	return &meteredReader{r: r, t: t}
}

type meteredReader struct {
	r io.Reader
	t *Throughput
}

func (m *meteredReader) Read(p []byte) (int, error) {
	s := time.Now()
	n, err := m.r.Read(p)
	m.t.Observe(n, time.Since(s))
	return n, err
}
