// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package evictor

import (
	mrand "math/rand"
	"testing"
	"time"

	"github.com/azure/mediacache/internal/files/cache"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func span(start, end int64, age int) cache.Span {
	return cache.Span{Start: start, End: end, Blob: "b", LastAccess: epoch.Add(time.Duration(age) * time.Second)}
}

func containedIn(v cache.Span, spans []cache.Span) bool {
	for _, s := range spans {
		if s.Range().Contains(v.Range()) {
			return true
		}
	}
	return false
}

func TestNoOp(t *testing.T) {
	require.Empty(t, NoOp{}.Evict("k", []cache.Span{span(0, 1<<30, 0)}))
}

func TestSizeBoundedUnderLimit(t *testing.T) {
	e := SizeBounded{Limit: 100}
	require.Empty(t, e.Evict("k", []cache.Span{span(0, 50, 0), span(60, 110, 1)}))
}

func TestSizeBoundedEvictsLeastRecentlyUsed(t *testing.T) {
	e := SizeBounded{Limit: 100}
	spans := []cache.Span{
		span(0, 50, 3),
		span(100, 150, 1),
		span(200, 250, 2),
	}

	got := e.Evict("k", spans)
	require.Len(t, got, 1)
	require.Equal(t, int64(100), got[0].Start)
}

func TestSizeBoundedTieBreaksOnStart(t *testing.T) {
	e := SizeBounded{Limit: 60}
	spans := []cache.Span{
		span(200, 250, 0),
		span(0, 50, 0),
		span(100, 150, 0),
	}

	got := e.Evict("k", spans)
	require.Len(t, got, 2)
	require.Equal(t, int64(0), got[0].Start)
	require.Equal(t, int64(100), got[1].Start)
	require.Equal(t, int64(140), got[1].End)
}

func TestSizeBoundedTrimsGrowingSpan(t *testing.T) {
	// A sequential read grows one span past the limit.
	e := SizeBounded{Limit: 48}
	got := e.Evict("k", []cache.Span{span(0, 64, 0)})
	require.Equal(t, []cache.Span{span(0, 16, 0)}, got)

	got = e.Evict("k", []cache.Span{span(0, 10, 0), span(20, 84, 1)})
	require.Equal(t, []cache.Span{span(0, 10, 0), span(20, 36, 1)}, got)
}

func TestSizeBoundedZeroLimit(t *testing.T) {
	spans := []cache.Span{span(0, 10, 0), span(20, 30, 1)}
	require.Len(t, SizeBounded{Limit: 0}.Evict("k", spans), 2)
}

func TestSizeBoundedNeverExceedsLimit(t *testing.T) {
	r := mrand.New(mrand.NewSource(time.Now().UnixNano()))
	for i := 0; i < 100; i++ {
		limit := r.Int63n(10000)

		var spans []cache.Span
		var pos int64
		for k := 0; k < 20; k++ {
			pos += 1 + r.Int63n(100)
			n := 1 + r.Int63n(1000)
			spans = append(spans, span(pos, pos+n, r.Intn(50)))
			pos += n
		}

		victims := SizeBounded{Limit: limit}.Evict("k", spans)

		var kept int64
		for _, s := range spans {
			kept += s.Len()
		}
		total := kept
		for _, v := range victims {
			require.True(t, containedIn(v, spans), "victim %v outside the spans", v.Range())
			kept -= v.Len()
		}
		require.Equal(t, min(total, limit), kept)
	}
}

func TestNew(t *testing.T) {
	e, err := New(PolicyNoOp, 0)
	require.NoError(t, err)
	require.IsType(t, NoOp{}, e)

	e, err = New(PolicySizeBounded, 42)
	require.NoError(t, err)
	require.Equal(t, SizeBounded{Limit: 42}, e)

	_, err = New(PolicySizeBounded, -1)
	require.Error(t, err)

	_, err = New("lru", 0)
	require.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Size-Bounded")
	require.NoError(t, err)
	require.Equal(t, PolicySizeBounded, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyNoOp, p)

	_, err = ParsePolicy("fifo")
	require.Error(t, err)
}
