// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/azure/mediacache/internal/files/cache"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/remote"
	"github.com/azure/mediacache/pkg/math"
	"golang.org/x/sync/errgroup"
)

const testKey = "https://media.example.com/video/720p.mp4"

func newTestRangeCache(t *testing.T, f remote.Fetcher, e evictor.Evictor, opts Options) (*rangeCache, cache.Cache) {
	c := newTestCache(t)
	if opts.BlockSize == 0 {
		opts.BlockSize = testBlockSize
	}
	return newRangeCache(context.Background(), c, e, f, opts), c
}

// failingFetcher fails every fetch that starts at or after failFrom.
type failingFetcher struct {
	remote.Fetcher
	failFrom int64
}

func (f failingFetcher) Fetch(ctx context.Context, key string, r math.Range) (io.ReadCloser, error) {
	if r.Start >= f.failFrom {
		return nil, remote.ErrUpstreamUnavailable
	}
	return f.Fetcher.Fetch(ctx, key, r)
}

// failingWrites is a span cache whose writes fail.
type failingWrites struct {
	cache.Cache
}

func (failingWrites) Write(string, int64, []byte) error {
	return errors.New("disk full")
}

func TestReadEmptyRange(t *testing.T) {
	_, f := newTestData(testKey, 64)
	rc, _ := newTestRangeCache(t, f, nil, Options{})

	res, err := rc.Read(context.Background(), testKey, math.NewRange(10, 0))
	if err != nil {
		t.Fatal(err)
	} else if len(res.Data) != 0 || len(f.Fetches()) != 0 {
		t.Fatalf("expected empty result without fetches, got %v bytes and %v fetches", len(res.Data), len(f.Fetches()))
	}
}

func TestReadFillsCache(t *testing.T) {
	data, f := newTestData(testKey, 100)
	rc, c := newTestRangeCache(t, f, nil, Options{})

	for i := 0; i < 2; i++ {
		res, err := rc.Read(context.Background(), testKey, math.NewRange(0, 100))
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(res.Data, data) {
			t.Fatalf("read %d: unexpected bytes", i)
		}
	}

	// 7 blocks on the first read, none on the second.
	if got := len(f.Fetches()); got != 7 {
		t.Errorf("expected %v fetches, got %v", 7, got)
	}

	spans := c.Spans(testKey)
	if len(spans) != 1 || spans[0].Range() != math.NewRange(0, 100) {
		t.Errorf("expected single span [0,100), got %v", spans)
	}
}

func TestReadFetchesOnlyGaps(t *testing.T) {
	data, f := newTestData(testKey, 15)
	rc, c := newTestRangeCache(t, f, nil, Options{})

	if err := c.Write(testKey, 0, data[0:5]); err != nil {
		t.Fatal(err)
	}
	if err := c.Write(testKey, 10, data[10:15]); err != nil {
		t.Fatal(err)
	}

	res, err := rc.Read(context.Background(), testKey, math.NewRange(0, 15))
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(res.Data, data) {
		t.Fatalf("expected %v, got %v", data, res.Data)
	}

	// The gap is widened to its block, clipped by the end of the resource.
	fetches := f.Fetches()
	if len(fetches) != 1 || fetches[0] != math.NewRange(0, testBlockSize) {
		t.Fatalf("expected single fetch [0,16), got %v", fetches)
	}
	if spans := c.Spans(testKey); len(spans) != 1 || spans[0].Range() != math.NewRange(0, 15) {
		t.Errorf("expected single span [0,15), got %v", spans)
	}
}

func TestReadEOF(t *testing.T) {
	data, f := newTestData(testKey, 50)
	rc, c := newTestRangeCache(t, f, nil, Options{})

	res, err := rc.Read(context.Background(), testKey, math.NewRange(40, 60))
	if err != nil {
		t.Fatal(err)
	}
	if !res.EOF {
		t.Errorf("expected EOF")
	}
	if !bytes.Equal(res.Data, data[40:]) {
		t.Errorf("expected %v, got %v", data[40:], res.Data)
	}
	if n, ok := c.Length(testKey); !ok || n != 50 {
		t.Errorf("expected length %v, got %v", 50, n)
	}

	// Ending exactly on a block boundary.
	res, err = rc.Read(context.Background(), testKey, math.NewRange(32, 100))
	if err != nil {
		t.Fatal(err)
	} else if !res.EOF || !bytes.Equal(res.Data, data[32:]) {
		t.Errorf("expected EOF with %v bytes, got %v", 18, len(res.Data))
	}

	// Starting past the end.
	if _, err := rc.Read(context.Background(), testKey, math.NewRange(100, 10)); !errors.Is(err, remote.ErrRangeNotSatisfiable) {
		t.Errorf("expected %v, got %v", remote.ErrRangeNotSatisfiable, err)
	}
}

func TestReadGapPolicy(t *testing.T) {
	data, mf := newTestData(testKey, 64)
	f := failingFetcher{Fetcher: mf, failFrom: 32}

	rc, _ := newTestRangeCache(t, f, nil, Options{GapPolicy: FailRead})
	if _, err := rc.Read(context.Background(), testKey, math.NewRange(0, 64)); !errors.Is(err, remote.ErrUpstreamUnavailable) {
		t.Errorf("expected %v, got %v", remote.ErrUpstreamUnavailable, err)
	}

	rc, _ = newTestRangeCache(t, f, nil, Options{GapPolicy: ServePartial})
	res, err := rc.Read(context.Background(), testKey, math.NewRange(0, 64))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Partial || !errors.Is(res.GapErr, remote.ErrUpstreamUnavailable) {
		t.Errorf("expected partial result, got %+v", res)
	}
	if !bytes.Equal(res.Data, data[:32]) {
		t.Errorf("expected %v bytes, got %v", 32, len(res.Data))
	}

	// Nothing assembled before the failure.
	if _, err := rc.Read(context.Background(), testKey, math.NewRange(40, 10)); !errors.Is(err, remote.ErrUpstreamUnavailable) {
		t.Errorf("expected %v, got %v", remote.ErrUpstreamUnavailable, err)
	}
}

func TestReadCacheFailure(t *testing.T) {
	_, f := newTestData(testKey, 64)
	rc, c := newTestRangeCache(t, f, nil, Options{})
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}

	_, err := rc.Read(context.Background(), testKey, math.NewRange(0, 10))
	var cerr *CacheError
	if !errors.As(err, &cerr) || !errors.Is(err, cache.ErrReleased) {
		t.Fatalf("expected cache error wrapping %v, got %v", cache.ErrReleased, err)
	}
}

func TestReadWriteFailure(t *testing.T) {
	data, f := newTestData(testKey, 64)
	c := failingWrites{newTestCache(t)}

	rc := newRangeCache(context.Background(), c, nil, f, Options{BlockSize: testBlockSize, ErrorPolicy: SurfaceErrors})
	_, err := rc.Read(context.Background(), testKey, math.NewRange(0, 10))
	var cerr *CacheError
	if !errors.As(err, &cerr) || cerr.Op != "write" {
		t.Fatalf("expected write cache error, got %v", err)
	}

	rc = newRangeCache(context.Background(), c, nil, f, Options{BlockSize: testBlockSize, ErrorPolicy: BypassCache})
	res, err := rc.Read(context.Background(), testKey, math.NewRange(0, 10))
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(res.Data, data[:10]) {
		t.Fatalf("expected %v, got %v", data[:10], res.Data)
	}
}

func TestReadEvicts(t *testing.T) {
	data, f := newTestData(testKey, 256)
	rc, c := newTestRangeCache(t, f, evictor.SizeBounded{Limit: 48}, Options{})

	for off := int64(0); off < 256; off += 32 {
		res, err := rc.Read(context.Background(), testKey, math.NewRange(off, 16))
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(res.Data, data[off:off+16]) {
			t.Fatalf("offset %v: unexpected bytes", off)
		}

		if n := c.CachedBytes(testKey); n > 48 {
			t.Fatalf("expected at most %v cached bytes, got %v", 48, n)
		}
	}
}

func TestConcurrentReadsFetchEachBlockOnce(t *testing.T) {
	data, f := newTestData(testKey, 8*testBlockSize)
	f.OnFetch(func(math.Range) { time.Sleep(10 * time.Millisecond) })
	rc, _ := newTestRangeCache(t, f, nil, Options{})

	eg, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			res, err := rc.Read(ctx, testKey, math.NewRange(0, int64(len(data))))
			if err != nil {
				return err
			} else if !bytes.Equal(res.Data, data) {
				return errors.New("unexpected bytes")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := map[math.Range]int{}
	for _, r := range f.Fetches() {
		seen[r]++
	}
	if len(seen) != 8 {
		t.Errorf("expected %v distinct blocks, got %v", 8, len(seen))
	}
	for r, n := range seen {
		if n != 1 {
			t.Errorf("block %v fetched %v times", r, n)
		}
	}
}

func TestCanceledLeaderDoesNotFailFollower(t *testing.T) {
	data, f := newTestData(testKey, testBlockSize)

	var once sync.Once
	started := make(chan struct{})
	f.OnFetch(func(math.Range) {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
	})
	rc, _ := newTestRangeCache(t, f, nil, Options{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := rc.Read(leaderCtx, testKey, math.NewRange(0, testBlockSize))
		leaderErr <- err
	}()

	<-started
	cancel()

	res, err := rc.Read(context.Background(), testKey, math.NewRange(0, testBlockSize))
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(res.Data, data) {
		t.Fatalf("expected %v, got %v", data, res.Data)
	}

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected %v, got %v", context.Canceled, err)
	}
}

func TestSmallReadsFetchWholeBlocks(t *testing.T) {
	data, f := newTestData(testKey, 4*testBlockSize)
	rc, _ := newTestRangeCache(t, f, nil, Options{})

	for off := int64(0); off < int64(len(data)); off += 4 {
		res, err := rc.Read(context.Background(), testKey, math.NewRange(off, 4))
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(res.Data, data[off:off+4]) {
			t.Fatalf("offset %v: unexpected bytes", off)
		}
	}

	fetches := f.Fetches()
	if len(fetches) != 4 {
		t.Fatalf("expected %v fetches, got %v", 4, fetches)
	}
	for i, r := range fetches {
		if want := math.NewRange(int64(i)*testBlockSize, testBlockSize); r != want {
			t.Errorf("fetch %d: expected %v, got %v", i, want, r)
		}
	}
}
