// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	syncmap "github.com/azure/mediacache/internal/cache"
	"github.com/azure/mediacache/internal/files"
	"github.com/azure/mediacache/internal/files/cache"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/metrics"
	"github.com/azure/mediacache/internal/remote"
	"github.com/azure/mediacache/pkg/math"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	bypassReasonDisabled = "disabled"
	bypassReasonError    = "error"

	maxLengthEntries = 1e5
)

// NewFilesStore creates a new store. A nil cache disables caching and every read goes upstream.
func NewFilesStore(ctx context.Context, c cache.Cache, e evictor.Evictor, f remote.Fetcher, opts Options) (FilesStore, error) {
	if f == nil {
		return nil, errors.New("fetcher not set")
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = files.CacheBlockSize
	}
	if opts.BlockSize < 0 || opts.BlockSize&(opts.BlockSize-1) != 0 {
		return nil, fmt.Errorf("block size must be power of 2, got %d", opts.BlockSize)
	}

	s := &store{
		cache:        c,
		fetcher:      f,
		opts:         opts,
		lengths:      syncmap.NewSyncMap[int64](maxLengthEntries),
		prefetchChan: make(chan prefetchableSegment, max(opts.PrefetchWorkers, 1)),
		prefetchable: opts.PrefetchWorkers > 0 && opts.PrefetchBlocks > 0 && c != nil,
		done:         make(chan struct{}),
		log:          zerolog.Ctx(ctx).With().Str("component", "store").Logger(),
	}
	if c != nil {
		s.rc = newRangeCache(ctx, c, e, f, opts)
	} else {
		s.log.Warn().Msg("cache disabled, reads go upstream")
	}

	if s.prefetchable {
		for i := 0; i < opts.PrefetchWorkers; i++ {
			s.workers.Add(1)
			go s.prefetch()
		}
	}

	return s, nil
}

// prefetchableSegment describes a part of a file to prefetch.
type prefetchableSegment struct {
	ctx context.Context
	key string
	r   math.Range
}

// store describes a content store whose contents can come from disk or a remote source.
type store struct {
	cache   cache.Cache
	rc      *rangeCache
	fetcher remote.Fetcher
	opts    Options

	lengths    *syncmap.SyncMap[int64]
	lengthsSfg singleflight.Group

	prefetchable bool
	prefetchChan chan prefetchableSegment
	workers      sync.WaitGroup
	done         chan struct{}
	closed       atomic.Bool

	log zerolog.Logger
}

var _ FilesStore = &store{}

// Open opens the requested resource and starts prefetching it.
func (s *store) Open(ctx context.Context, key string) (File, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := files.ValidateKey(key); err != nil {
		return nil, err
	}

	log := zerolog.Ctx(ctx).With().Str("key", key).Logger()
	fctx, cancel := context.WithCancel(log.WithContext(ctx))

	f := &file{
		key:    key,
		store:  s,
		ctx:    fctx,
		cancel: cancel,
		size:   -1,
		log:    log,
	}

	size, err := f.Fstat()
	if err != nil {
		cancel()
		return nil, err
	}

	if s.prefetchable && size != 0 {
		f.prefetch(0, int64(s.opts.PrefetchBlocks)*int64(s.opts.BlockSize))
	}

	log.Debug().Int64("size", size).Msg("file open")
	return f, nil
}

// Close stops the prefetch workers.
func (s *store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.workers.Wait()
	return nil
}

// read returns the bytes of r, applying the error policy to cache failures.
func (s *store) read(ctx context.Context, key string, r math.Range) (Result, error) {
	if s.rc == nil {
		metrics.Global.RecordBypass(bypassReasonDisabled)
		return s.readUpstream(ctx, key, r)
	}

	res, err := s.rc.Read(ctx, key, r)

	var cerr *CacheError
	if errors.As(err, &cerr) && s.opts.ErrorPolicy == BypassCache {
		zerolog.Ctx(ctx).Warn().Err(err).Str("range", r.String()).Msg("cache error, bypassing")
		metrics.Global.RecordBypass(bypassReasonError)
		return s.readUpstream(ctx, key, r)
	}

	return res, err
}

// readUpstream reads r directly from the upstream.
func (s *store) readUpstream(ctx context.Context, key string, r math.Range) (Result, error) {
	data, err := files.FetchRange(ctx, s.fetcher, key, r)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, EOF: int64(len(data)) < r.Len()}, nil
}

// length returns the total length of key, or -1 if unknown.
func (s *store) length(ctx context.Context, key string) (int64, error) {
	if n, ok := s.lengths.Get(key); ok {
		return n, nil
	}

	if s.cache != nil {
		if n, ok := s.cache.Length(key); ok {
			s.lengths.Set(key, n)
			return n, nil
		}
	}

	// The lookup is shared by every file opening key, so it must outlive the caller that started it.
	ch := s.lengthsSfg.DoChan(key, func() (interface{}, error) {
		zerolog.Ctx(ctx).Debug().Msg("fstat getlen cache miss")
		n, err := s.fetcher.Length(context.WithoutCancel(ctx), key)
		if err != nil {
			return int64(-1), err
		}
		if n >= 0 {
			s.putLength(ctx, key, n)
		}
		return n, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	if res.Err != nil {
		zerolog.Ctx(ctx).Error().Err(res.Err).Msg("fstat error")
		return -1, res.Err
	}

	return res.Val.(int64), nil
}

// putLength records the total length of key.
func (s *store) putLength(ctx context.Context, key string, n int64) {
	s.lengths.Set(key, n)
	if s.cache != nil {
		if err := s.cache.PutLength(key, n); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Int64("size", n).Msg("fstat putlen error")
		}
	}
}

// prefetch prefetches files.
func (s *store) prefetch() {
	defer s.workers.Done()
	for {
		select {
		case <-s.done:
			return
		case p := <-s.prefetchChan:
			if p.ctx.Err() != nil {
				continue
			}
			if _, err := s.read(p.ctx, p.key, p.r); err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(p.ctx).Error().Err(err).Str("range", p.r.String()).Msg("prefetch failed")
			}
		}
	}
}
