// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azure/mediacache/pkg/math"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// copyBufferSize is the chunk size used when moving bytes between blobs.
const copyBufferSize = 1024 * 1024

// entry is the in-memory state of one resource.
type entry struct {
	lock   sync.RWMutex
	length int64
	spans  []Span
	dirty  bool
}

// record returns the persisted form of the entry.
func (e *entry) record() record {
	return record{Length: e.length, Spans: append([]Span(nil), e.spans...)}
}

// empty reports whether the entry holds nothing worth persisting.
func (e *entry) empty() bool {
	return len(e.spans) == 0 && e.length < 0
}

// spanCache implements Cache.
type spanCache struct {
	dir   string
	fs    afero.Fs
	index *index

	handles  *ristretto.Cache
	open     map[string]*item
	openLock sync.Mutex

	entries  map[string]*entry
	lock     sync.RWMutex
	released atomic.Bool

	now func() time.Time
	log zerolog.Logger
}

var _ Cache = &spanCache{}

// Lookup partitions r into cached and missing segments.
func (c *spanCache) Lookup(key string, r math.Range) ([]Segment, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid range %v", r)
	}
	if r.Empty() {
		return nil, nil
	}

	e, err := c.get(key)
	if err != nil {
		return nil, err
	} else if e == nil {
		return []Segment{{Range: r}}, nil
	}

	e.lock.RLock()
	defer e.lock.RUnlock()
	if c.released.Load() {
		return nil, ErrReleased
	}

	return lookup(e.spans, r), nil
}

// ReadAt reads cached bytes and refreshes the access time of the span.
func (c *spanCache) ReadAt(key string, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r := math.NewRange(off, int64(len(p)))

	e, err := c.get(key)
	if err != nil {
		return 0, err
	} else if e == nil {
		return 0, ErrNotCached
	}

	e.lock.RLock()
	if c.released.Load() {
		e.lock.RUnlock()
		return 0, ErrReleased
	}

	i := find(e.spans, r)
	if i < 0 {
		e.lock.RUnlock()
		return 0, ErrNotCached
	}
	s := e.spans[i]

	var n int
	err = c.withBlob(s.Blob, false, func(it *item) error {
		var rerr error
		n, rerr = it.readAt(p, off-s.Start)
		return rerr
	})
	e.lock.RUnlock()

	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			c.log.Warn().Err(err).Str("key", key).Str("span", s.Range().String()).Msg("dropping unreadable span")
			c.drop(key, s)
			return 0, ErrNotCached
		}
		return n, err
	}

	c.touch(key, e, s)
	return n, nil
}

// Write stores data at off and merges it with all spans it overlaps or touches.
func (c *spanCache) Write(key string, off int64, data []byte) error {
	if off < 0 {
		return fmt.Errorf("invalid offset %d", off)
	}
	if len(data) == 0 {
		return nil
	}

	e, err := c.getOrCreate(key)
	if err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if c.released.Load() {
		return ErrReleased
	}

	w := math.NewRange(off, int64(len(data)))

	// spans[i:j] is the run of spans touching w.
	i := sort.Search(len(e.spans), func(k int) bool { return e.spans[k].End >= w.Start })
	j := i
	for j < len(e.spans) && e.spans[j].Start <= w.End {
		j++
	}

	merged := Span{Start: w.Start, End: w.End, LastAccess: c.now()}
	var target string
	if j > i {
		first, last := e.spans[i], e.spans[j-1]
		merged.Start = min(first.Start, w.Start)
		merged.End = max(last.End, w.End)

		if first.Start <= w.Start {
			target = first.Blob
		}

		if err := c.writeBlob(key, &target, merged.Start, w.Start, data); err != nil {
			return err
		}

		if last.End > w.End && last.Blob != target {
			if err := c.copyBlob(last, target, merged.Start, w.End); err != nil {
				c.discardNew(target, first.Blob)
				return err
			}
		}
	} else if err := c.writeBlob(key, &target, merged.Start, w.Start, data); err != nil {
		return err
	}
	merged.Blob = target

	absorbed := append([]Span(nil), e.spans[i:j]...)

	spans := make([]Span, 0, len(e.spans)-(j-i)+1)
	spans = append(spans, e.spans[:i]...)
	spans = append(spans, merged)
	spans = append(spans, e.spans[j:]...)
	e.spans = spans

	if err := c.persist(key, e); err != nil {
		return err
	}

	for _, s := range absorbed {
		if s.Blob != target {
			c.removeBlob(s.Blob)
		}
	}

	c.log.Debug().Str("key", key).Str("range", w.String()).Str("span", merged.Range().String()).Int("absorbed", len(absorbed)).Msg("cache write")
	return nil
}

// Spans returns a copy of the spans of key.
func (c *spanCache) Spans(key string) []Span {
	e, err := c.get(key)
	if err != nil || e == nil {
		return nil
	}

	e.lock.RLock()
	defer e.lock.RUnlock()
	return append([]Span(nil), e.spans...)
}

// CachedBytes returns the number of stored bytes of key.
func (c *spanCache) CachedBytes(key string) int64 {
	var n int64
	for _, s := range c.Spans(key) {
		n += s.Len()
	}
	return n
}

// Keys returns every key with stored state, sorted.
func (c *spanCache) Keys() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.released.Load() {
		return nil
	}

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		e.lock.RLock()
		if !e.empty() {
			keys = append(keys, k)
		}
		e.lock.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Remove deletes the bytes of key covered by spans, trimming or splitting partly covered spans.
func (c *spanCache) Remove(key string, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}

	e, err := c.get(key)
	if err != nil || e == nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if c.released.Load() {
		return ErrReleased
	}

	var removed, created []string
	var count int64
	kept := make([]Span, 0, len(e.spans))
	for _, s := range e.spans {
		rest := subtract(s.Range(), spans)
		if len(rest) == 1 && rest[0] == s.Range() {
			kept = append(kept, s)
			continue
		}

		pieces, err := c.carve(key, s, rest)
		if err != nil {
			for _, b := range created {
				c.removeBlob(b)
			}
			return err
		}

		count += s.Len()
		if len(pieces) == 0 || pieces[0].Blob != s.Blob {
			removed = append(removed, s.Blob)
		}
		for _, p := range pieces {
			count -= p.Len()
			if p.Blob != s.Blob {
				created = append(created, p.Blob)
			}
		}
		kept = append(kept, pieces...)
	}
	if count == 0 {
		return nil
	}
	e.spans = kept

	if err := c.persist(key, e); err != nil {
		return err
	}

	for _, b := range removed {
		c.removeBlob(b)
	}

	c.log.Debug().Str("key", key).Int64("count", count).Int("spans", len(e.spans)).Msg("cache remove")
	return nil
}

// carve keeps the parts of s in keep as spans of their own. A part that starts with s keeps its blob, every other
// part is copied into a new blob.
func (c *spanCache) carve(key string, s Span, keep []math.Range) ([]Span, error) {
	pieces := make([]Span, 0, len(keep))
	for _, r := range keep {
		p := Span{Start: r.Start, End: r.End, LastAccess: s.LastAccess}
		if r.Start == s.Start {
			p.Blob = s.Blob
		} else {
			err := c.writeBlob(key, &p.Blob, r.Start, r.Start, nil)
			if err == nil {
				if err = c.copyBlob(Span{Start: s.Start, End: r.End, Blob: s.Blob}, p.Blob, r.Start, r.Start); err != nil {
					c.removeBlob(p.Blob)
				}
			}
			if err != nil {
				for _, q := range pieces {
					if q.Blob != s.Blob {
						c.removeBlob(q.Blob)
					}
				}
				return nil, err
			}
		}
		pieces = append(pieces, p)
	}

	// The blob may now hold bytes past the first part.
	if len(pieces) > 0 && pieces[0].Blob == s.Blob && pieces[0].End < s.End {
		if err := c.withBlob(s.Blob, false, func(it *item) error { return it.truncate(pieces[0].Len()) }); err != nil {
			c.log.Warn().Err(err).Str("key", key).Str("blob", s.Blob).Msg("failed to truncate blob")
		}
	}
	return pieces, nil
}

// Length gets the total length of the resource.
func (c *spanCache) Length(key string) (int64, bool) {
	e, err := c.get(key)
	if err != nil || e == nil {
		return 0, false
	}

	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.length, e.length >= 0
}

// PutLength records the total length of the resource.
func (c *spanCache) PutLength(key string, length int64) error {
	if length < 0 {
		return fmt.Errorf("invalid length %d", length)
	}

	e, err := c.getOrCreate(key)
	if err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if c.released.Load() {
		return ErrReleased
	}

	if e.length == length {
		return nil
	}
	e.length = length

	c.log.Debug().Str("key", key).Int64("len", length).Msg("put len")
	return c.persist(key, e)
}

// Release flushes pending access times, closes blob handles and closes the index.
func (c *spanCache) Release() error {
	c.lock.Lock()
	if c.released.Swap(true) {
		c.lock.Unlock()
		return nil
	}
	entries := make(map[string]*entry, len(c.entries))
	for k, e := range c.entries {
		entries[k] = e
	}
	c.lock.Unlock()

	var errs []error

	// Waits for in-flight operations on each entry.
	for k, e := range entries {
		e.lock.Lock()
		if e.dirty {
			if err := c.index.put(k, e.record()); err != nil {
				errs = append(errs, err)
			}
			e.dirty = false
		}
		e.lock.Unlock()
	}

	c.openLock.Lock()
	open := c.open
	c.open = map[string]*item{}
	c.openLock.Unlock()
	for _, it := range open {
		it.close(c.log)
	}
	c.handles.Close()

	if err := c.index.close(); err != nil {
		errs = append(errs, err)
	}

	c.log.Info().Int("keys", len(entries)).Msg("cache released")
	return errors.Join(errs...)
}

// get returns the entry of key, or nil if there is none.
func (c *spanCache) get(key string) (*entry, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.released.Load() {
		return nil, ErrReleased
	}
	return c.entries[key], nil
}

// getOrCreate returns the entry of key, creating it if needed.
func (c *spanCache) getOrCreate(key string) (*entry, error) {
	if e, err := c.get(key); err != nil || e != nil {
		return e, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.released.Load() {
		return nil, ErrReleased
	}

	e, ok := c.entries[key]
	if !ok {
		e = &entry{length: -1}
		c.entries[key] = e
	}
	return e, nil
}

// persist writes the entry to the index. Must be called with the entry lock held.
func (c *spanCache) persist(key string, e *entry) error {
	e.dirty = false
	if e.empty() {
		return c.index.delete(key)
	}
	return c.index.put(key, e.record())
}

// touch refreshes the access time of s if it is still stored.
func (c *spanCache) touch(key string, e *entry, s Span) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for k := range e.spans {
		if e.spans[k].Start == s.Start && e.spans[k].End == s.End {
			e.spans[k].LastAccess = c.now()
			e.dirty = true
			return
		}
	}
}

// drop forgets a span whose blob is unreadable.
func (c *spanCache) drop(key string, s Span) {
	if err := c.Remove(key, []Span{s}); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("failed to drop span")
	}
}

// writeBlob writes data into the blob *target, which holds bytes from base. An empty target is created.
func (c *spanCache) writeBlob(key string, target *string, base, off int64, data []byte) error {
	create := *target == ""
	if create {
		*target = blobPath(key)
	}

	err := c.withBlob(*target, create, func(it *item) error {
		n, err := it.writeAt(data, off-base)
		if err == nil && n != len(data) {
			err = io.ErrShortWrite
		}
		return err
	})
	if err != nil && create {
		c.removeBlob(*target)
	}
	return err
}

// copyBlob copies the part of s past off into target, which holds bytes from base.
func (c *spanCache) copyBlob(s Span, target string, base, off int64) error {
	buf := make([]byte, min(copyBufferSize, s.End-off))
	for pos := off; pos < s.End; {
		chunk := buf[:min(int64(len(buf)), s.End-pos)]

		if err := c.withBlob(s.Blob, false, func(it *item) error {
			_, err := it.readAt(chunk, pos-s.Start)
			return err
		}); err != nil {
			return err
		}

		if err := c.withBlob(target, false, func(it *item) error {
			_, err := it.writeAt(chunk, pos-base)
			return err
		}); err != nil {
			return err
		}

		pos += int64(len(chunk))
	}
	return nil
}

// discardNew removes target if it was created by the current write.
func (c *spanCache) discardNew(target, existing string) {
	if target != existing {
		c.removeBlob(target)
	}
}

// withBlob runs fn with an open handle to the blob at path.
func (c *spanCache) withBlob(path string, create bool, fn func(it *item) error) error {
	for attempt := 0; attempt < 3; attempt++ {
		it, admitted, err := c.handle(path, create)
		if err != nil {
			return err
		}

		err = fn(it)
		if !admitted {
			it.close(c.log)
		}
		if !errors.Is(err, errItemClosed) {
			return err
		}
	}
	return errItemClosed
}

// handle returns an open handle to the blob at path. admitted is false when the handle is not shared and must be
// closed by the caller.
func (c *spanCache) handle(path string, create bool) (it *item, admitted bool, err error) {
	if val, found := c.handles.Get(path); found {
		return val.(*item), true, nil
	}

	c.openLock.Lock()
	if it, ok := c.open[path]; ok {
		c.openLock.Unlock()
		return it, true, nil
	}
	if it, err = openItem(c.fs, path, create, c.log); err != nil {
		c.openLock.Unlock()
		return nil, false, err
	}
	c.open[path] = it
	c.openLock.Unlock()

	if c.handles.Set(path, it, 1) {
		// wait for value to pass through buffers
		c.handles.Wait()
		if val, found := c.handles.Get(path); found && val.(*item) == it {
			return it, true, nil
		}
	}

	c.untrack(it)
	return it, false, nil
}

// onEvict is called when a handle is evicted from the handle cache.
func (c *spanCache) onEvict(i *ristretto.Item) {
	it, ok := i.Value.(*item)
	if !ok {
		return
	}
	c.untrack(it)
	it.close(c.log)
}

// untrack forgets it as the shared handle of its blob.
func (c *spanCache) untrack(it *item) {
	c.openLock.Lock()
	defer c.openLock.Unlock()
	if c.open[it.path] == it {
		delete(c.open, it.path)
	}
}

// removeBlob closes and deletes the blob at path.
func (c *spanCache) removeBlob(path string) {
	c.openLock.Lock()
	it, ok := c.open[path]
	delete(c.open, path)
	c.openLock.Unlock()

	if ok {
		it.close(c.log)
	}
	c.handles.Del(path)

	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Error().Err(err).Str("blob", path).Msg("failed to remove blob")
	}
}

// load reads the index, validates every record and drops spans whose blob is gone.
func (c *spanCache) load() error {
	records, err := c.index.load()
	if err != nil {
		return err
	}

	for key, r := range records {
		if err := validate(r); err != nil {
			return fmt.Errorf("%w: record %q: %w", ErrStorageCorrupt, key, err)
		}

		e := &entry{length: r.Length}
		for _, s := range r.Spans {
			info, err := c.fs.Stat(s.Blob)
			if err != nil || info.Size() < s.Len() {
				c.log.Warn().Err(err).Str("key", key).Str("span", s.Range().String()).Str("blob", s.Blob).Msg("dropping span with missing blob")
				e.dirty = true
				continue
			}
			e.spans = append(e.spans, s)
		}

		if e.dirty {
			if err := c.persist(key, e); err != nil {
				return err
			}
		}
		if !e.empty() {
			c.entries[key] = e
		}
	}

	c.log.Info().Int("keys", len(c.entries)).Msg("cache index loaded")
	return nil
}

// validate checks the span invariants of a record.
func validate(r record) error {
	if r.Length < -1 {
		return fmt.Errorf("invalid length %d", r.Length)
	}

	for k, s := range r.Spans {
		if s.Start < 0 || s.End <= s.Start {
			return fmt.Errorf("invalid span %v", s.Range())
		} else if s.Blob == "" || filepath.IsAbs(s.Blob) {
			return fmt.Errorf("invalid blob %q", s.Blob)
		} else if k > 0 && r.Spans[k-1].End >= s.Start {
			return fmt.Errorf("span %v overlaps or touches %v", s.Range(), r.Spans[k-1].Range())
		}
	}
	return nil
}

// lookup partitions r against the sorted spans.
func lookup(spans []Span, r math.Range) []Segment {
	var segs []Segment
	pos := r.Start
	for _, s := range spans {
		if s.End <= pos {
			continue
		} else if s.Start >= r.End {
			break
		}

		if s.Start > pos {
			segs = append(segs, Segment{Range: math.Range{Start: pos, End: s.Start}})
			pos = s.Start
		}

		end := min(s.End, r.End)
		segs = append(segs, Segment{Range: math.Range{Start: pos, End: end}, Cached: true})
		pos = end
	}

	if pos < r.End {
		segs = append(segs, Segment{Range: math.Range{Start: pos, End: r.End}})
	}
	return segs
}

// find returns the index of the span containing r, or -1.
func find(spans []Span, r math.Range) int {
	i := sort.Search(len(spans), func(k int) bool { return spans[k].End > r.Start })
	if i < len(spans) && spans[i].Range().Contains(r) {
		return i
	}
	return -1
}

// subtract returns the parts of r not covered by any of spans, in ascending order.
func subtract(r math.Range, spans []Span) []math.Range {
	rest := []math.Range{r}
	for _, v := range spans {
		if v.End <= v.Start {
			continue
		}

		next := rest[:0:0]
		for _, p := range rest {
			if v.End <= p.Start || v.Start >= p.End {
				next = append(next, p)
				continue
			}
			if p.Start < v.Start {
				next = append(next, math.Range{Start: p.Start, End: v.Start})
			}
			if v.End < p.End {
				next = append(next, math.Range{Start: v.End, End: p.End})
			}
		}
		rest = next
	}
	return rest
}

// blobPath returns a new blob path for key.
func blobPath(key string) string {
	d := digest.FromString(key).Encoded()
	return filepath.Join(d[:2], d, uuid.NewString()+".span")
}

// Reset removes the whole cache directory.
func Reset(dir string) error {
	return os.RemoveAll(dir)
}

// New opens the span cache rooted at opts.Dir.
func New(ctx context.Context, opts Options) (Cache, error) {
	log := zerolog.Ctx(ctx).With().Str("component", "cache").Logger()

	if opts.Dir == "" {
		return nil, errors.New("cache directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}

	fs := opts.Fs
	if fs == nil {
		if err := os.MkdirAll(filepath.Join(opts.Dir, blobsDir), 0755); err != nil {
			return nil, err
		}
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(opts.Dir, blobsDir))
	}

	maxOpen := opts.MaxOpenBlobs
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenBlobs
	}

	idx, err := openIndex(filepath.Join(opts.Dir, indexDir), log)
	if err != nil {
		return nil, err
	}

	c := &spanCache{
		dir:     opts.Dir,
		fs:      fs,
		index:   idx,
		open:    map[string]*item{},
		entries: map[string]*entry{},
		now:     time.Now,
		log:     log,
	}

	if c.handles, err = ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxOpen) * 10,
		MaxCost:     int64(maxOpen),
		BufferItems: 64,

		// Each handle costs one slot.
		IgnoreInternalCost: true,

		OnEvict: c.onEvict,
	}); err != nil {
		_ = idx.close()
		return nil, err
	}

	if err := c.load(); err != nil {
		c.handles.Close()
		_ = idx.close()
		return nil, err
	}

	log.Info().Str("dir", opts.Dir).Int("maxOpenBlobs", maxOpen).Msg("cache opened")
	return c, nil
}
