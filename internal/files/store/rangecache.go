// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/azure/mediacache/internal/files"
	"github.com/azure/mediacache/internal/files/cache"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/metrics"
	"github.com/azure/mediacache/internal/remote"
	"github.com/azure/mediacache/pkg/math"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a range read.
type Result struct {
	Data []byte

	// EOF is set when the resource ended within the requested range.
	EOF bool

	// Partial is set when a gap could not be fetched and only the leading bytes are returned.
	Partial bool

	// GapErr is the failure that made the result partial.
	GapErr error
}

// rangeCache serves byte ranges from the span cache and fills gaps from upstream.
type rangeCache struct {
	cache   cache.Cache
	evictor evictor.Evictor
	fetcher remote.Fetcher

	blockSize int
	gapPolicy GapPolicy
	bypass    bool

	group singleflight.Group
	log   zerolog.Logger
}

// Read returns the bytes of r in ascending offset order.
func (rc *rangeCache) Read(ctx context.Context, key string, r math.Range) (Result, error) {
	if r.Empty() {
		return Result{}, nil
	}

	segs, err := rc.cache.Lookup(key, r)
	if err != nil {
		return Result{}, &CacheError{Op: "lookup", Err: err}
	}

	buf := make([]byte, 0, r.Len())
	for _, seg := range segs {
		if seg.Cached {
			p := make([]byte, seg.Len())
			_, err := rc.cache.ReadAt(key, p, seg.Start)
			if err == nil {
				metrics.Global.RecordCacheRead(true, seg.Len())
				buf = append(buf, p...)
				continue
			}
			if !errors.Is(err, cache.ErrNotCached) {
				return Result{}, &CacheError{Op: "read", Err: err}
			}
			rc.log.Debug().Str("key", key).Str("segment", seg.Range.String()).Msg("cached segment vanished, refetching")
		}

		data, eof, err := rc.fill(ctx, key, seg.Range)
		buf = append(buf, data...)
		if err != nil {
			if errors.Is(err, remote.ErrRangeNotSatisfiable) && len(buf) > 0 {
				// The resource ends exactly where the gap starts.
				return Result{Data: buf, EOF: true}, nil
			}
			return rc.gapFailed(key, seg.Range, buf, err)
		}
		if eof {
			return Result{Data: buf, EOF: true}, nil
		}
	}

	return Result{Data: buf}, nil
}

// gapFailed applies the gap policy to a failed fetch.
func (rc *rangeCache) gapFailed(key string, r math.Range, buf []byte, err error) (Result, error) {
	var cerr *CacheError
	if rc.gapPolicy == ServePartial && len(buf) > 0 && !errors.As(err, &cerr) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		rc.log.Warn().Err(err).Str("key", key).Str("gap", r.String()).Int("served", len(buf)).Msg("serving partial range")
		return Result{Data: buf, Partial: true, GapErr: err}, nil
	}
	return Result{}, err
}

// fill fetches the aligned blocks covering r and stores them. eof is set when the resource ended within r.
func (rc *rangeCache) fill(ctx context.Context, key string, r math.Range) (data []byte, eof bool, err error) {
	segs, err := math.NewSegments(r, rc.blockSize, -1)
	if err != nil {
		return nil, false, err
	}

	for _, seg := range segs.List() {
		block, err := rc.block(key, seg.Index)
		if err != nil {
			return data, false, err
		}

		b, err := rc.fetchBlock(ctx, key, block)
		if err != nil {
			return data, false, err
		}

		off := int(seg.Offset)
		if off >= len(b) {
			return data, true, nil
		}
		end := min(off+seg.Count, len(b))
		data = append(data, b[off:end]...)
		if end-off < seg.Count {
			return data, true, nil
		}
	}

	return data, false, nil
}

// block returns the block starting at start, clipped to the known length of the resource.
func (rc *rangeCache) block(key string, start int64) (math.Range, error) {
	block := math.NewRange(start, int64(rc.blockSize))
	if length, ok := rc.cache.Length(key); ok {
		if start >= length {
			return math.Range{}, remote.ErrRangeNotSatisfiable
		}
		block.End = min(block.End, length)
	}
	return block, nil
}

// fetchBlock fetches block once for all concurrent readers of any part of it.
func (rc *rangeCache) fetchBlock(ctx context.Context, key string, block math.Range) ([]byte, error) {
	flight := fmt.Sprintf("%s|%d|%d", key, block.Start, block.End)

	for attempt := 0; ; attempt++ {
		v, err, shared := rc.group.Do(flight, func() (interface{}, error) {
			return rc.fetchAndStore(ctx, key, block)
		})

		// The leader was canceled but this reader was not.
		if shared && attempt == 0 && err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}
}

// fetchAndStore reads block from upstream, writes it to the span cache and runs the evictor.
func (rc *rangeCache) fetchAndStore(ctx context.Context, key string, block math.Range) ([]byte, error) {
	// Another reader may have stored the block after our lookup.
	if segs, err := rc.cache.Lookup(key, block); err == nil && len(segs) == 1 && segs[0].Cached {
		p := make([]byte, block.Len())
		if _, err := rc.cache.ReadAt(key, p, block.Start); err == nil {
			metrics.Global.RecordCacheRead(true, block.Len())
			return p, nil
		}
	}

	data, err := files.FetchRange(ctx, rc.fetcher, key, block)
	if err != nil {
		return nil, err
	}
	metrics.Global.RecordCacheRead(false, int64(len(data)))

	if len(data) > 0 {
		if err := rc.cache.Write(key, block.Start, data); err != nil {
			if !rc.bypass {
				return nil, &CacheError{Op: "write", Err: err}
			}
			rc.log.Error().Err(err).Str("key", key).Str("range", block.String()).Msg("cache write failed, serving fetched bytes")
		} else {
			rc.evict(key)
		}
	}

	if int64(len(data)) < block.Len() {
		length := block.Start + int64(len(data))
		if err := rc.cache.PutLength(key, length); err != nil {
			rc.log.Error().Err(err).Str("key", key).Int64("len", length).Msg("failed to record length")
		}
	}

	return data, nil
}

// evict applies the eviction policy to key.
func (rc *rangeCache) evict(key string) {
	victims := rc.evictor.Evict(key, rc.cache.Spans(key))
	if len(victims) == 0 {
		return
	}

	var n int64
	for _, s := range victims {
		n += s.Len()
	}

	if err := rc.cache.Remove(key, victims); err != nil {
		rc.log.Error().Err(err).Str("key", key).Msg("eviction failed")
		return
	}

	metrics.Global.RecordEviction(len(victims), n)
	rc.log.Debug().Str("key", key).Int("spans", len(victims)).Int64("count", n).Msg("evicted")
}

// newRangeCache creates a range cache.
func newRangeCache(ctx context.Context, c cache.Cache, e evictor.Evictor, f remote.Fetcher, opts Options) *rangeCache {
	if e == nil {
		e = evictor.NoOp{}
	}
	return &rangeCache{
		cache:     c,
		evictor:   e,
		fetcher:   f,
		blockSize: opts.BlockSize,
		gapPolicy: opts.GapPolicy,
		bypass:    opts.ErrorPolicy == BypassCache,
		log:       zerolog.Ctx(ctx).With().Str("component", "rangecache").Logger(),
	}
}
