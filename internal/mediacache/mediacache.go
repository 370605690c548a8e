// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mediacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/azure/mediacache/internal/config"
	"github.com/azure/mediacache/internal/files/cache"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/files/store"
	"github.com/azure/mediacache/internal/metrics"
	"github.com/azure/mediacache/internal/remote"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when the cache is used after Close.
var ErrClosed = errors.New("media cache closed")

// Cache owns the process wide state of the media cache: the span cache, the evictor and the upstream session.
// It is created once and passed to every reader.
type Cache struct {
	cfg *config.Config

	spans    cache.Cache
	evictor  evictor.Evictor
	session  *remote.Session
	upstream remote.Fetcher
	store    store.FilesStore

	closed atomic.Bool
	log    zerolog.Logger
}

// New creates the media cache for cfg.
// A span cache that cannot be opened is logged and reads go straight upstream.
func New(ctx context.Context, cfg *config.Config) (*Cache, error) {
	log := zerolog.Ctx(ctx).With().Str("component", "mediacache").Logger()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e, err := cfg.Evictor()
	if err != nil {
		return nil, err
	}

	session, err := remote.NewSession(cfg.SessionOptions())
	if err != nil {
		return nil, err
	}
	upstream := remote.NewFetcher(ctx, session)

	spans, err := openSpans(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.CacheDir).Msg("cache init failed, caching disabled")
		spans = nil
	}

	fs, err := store.NewFilesStore(ctx, spans, e, upstream, cfg.StoreOptions())
	if err != nil {
		if spans != nil {
			_ = spans.Release()
		}
		session.Close()
		return nil, err
	}

	log.Info().Str("dir", cfg.CacheDir).Bool("enabled", spans != nil).Str("policy", cfg.CachePolicy).Msg("media cache ready")

	return &Cache{
		cfg:      cfg,
		spans:    spans,
		evictor:  e,
		session:  session,
		upstream: upstream,
		store:    fs,
		log:      log,
	}, nil
}

// openSpans opens the span cache, starting over from an empty directory when the index is corrupt.
func openSpans(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	opts := cache.Options{Dir: cfg.CacheDir, MaxOpenBlobs: cfg.MaxOpenBlobs}

	c, err := cache.New(ctx, opts)
	if err == nil || !errors.Is(err, cache.ErrStorageCorrupt) || !cfg.ResetOnCorrupt {
		return c, err
	}

	zerolog.Ctx(ctx).Warn().Err(err).Str("dir", cfg.CacheDir).Msg("cache index corrupt, resetting")
	if err := cache.Reset(cfg.CacheDir); err != nil {
		return nil, err
	}
	return cache.New(ctx, opts)
}

// Open opens the resource identified by key for reading through the cache.
func (c *Cache) Open(ctx context.Context, key string) (store.File, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.store.Open(ctx, key)
}

// Store returns the files store backing Open.
func (c *Cache) Store() store.FilesStore {
	return c.store
}

// Upstream returns the fetcher that reads directly from upstream, sharing the cache's session.
func (c *Cache) Upstream() remote.Fetcher {
	return c.upstream
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.cfg.CacheDir
}

// Enabled reports whether reads are cached.
func (c *Cache) Enabled() bool {
	return c.spans != nil
}

// Evict applies the configured evictor once to every cached resource.
func (c *Cache) Evict(ctx context.Context) (spans int, bytes int64, err error) {
	if c.closed.Load() {
		return 0, 0, ErrClosed
	}
	if c.spans == nil {
		return 0, 0, nil
	}

	errs := []error{}
	for _, key := range c.spans.Keys() {
		if err := ctx.Err(); err != nil {
			return spans, bytes, err
		}

		victims := c.evictor.Evict(key, c.spans.Spans(key))
		if len(victims) == 0 {
			continue
		}
		if err := c.spans.Remove(key, victims); err != nil {
			errs = append(errs, err)
			continue
		}

		var n int64
		for _, v := range victims {
			n += v.Len()
		}
		metrics.Global.RecordEviction(len(victims), n)
		c.log.Debug().Str("key", key).Int("spans", len(victims)).Int64("bytes", n).Msg("evicted")

		spans += len(victims)
		bytes += n
	}

	return spans, bytes, errors.Join(errs...)
}

// Close stops prefetching, releases the span cache and idle upstream connections.
// It is safe to call more than once.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	errs := []error{c.store.Close()}
	if c.spans != nil {
		errs = append(errs, c.spans.Release())
	}
	c.session.Close()

	c.log.Info().Msg("media cache closed")
	return errors.Join(errs...)
}

var (
	sharedLock sync.Mutex
	shared     *Cache
)

// Shared returns the process wide cache, creating it for cfg on first use.
// Concurrent callers wait for the first one to finish. A closed shared cache is replaced on the next call.
func Shared(ctx context.Context, cfg *config.Config) (*Cache, error) {
	sharedLock.Lock()
	defer sharedLock.Unlock()

	if shared != nil && !shared.closed.Load() {
		return shared, nil
	}

	c, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	shared = c
	return shared, nil
}
