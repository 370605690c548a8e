// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"errors"
	"time"

	"github.com/azure/mediacache/pkg/math"
	"github.com/spf13/afero"
)

var (
	// ErrStorageCorrupt is returned when the persisted index cannot be decoded or violates the span invariants.
	ErrStorageCorrupt = errors.New("cache storage corrupt")

	// ErrNotCached is returned when a read is not fully covered by a stored span.
	ErrNotCached = errors.New("range not cached")

	// ErrReleased is returned by every operation after Release.
	ErrReleased = errors.New("cache released")
)

// Cache describes the store of cached byte ranges of remote resources.
type Cache interface {
	// Lookup partitions r into alternating cached and missing segments in ascending order.
	Lookup(key string, r math.Range) ([]Segment, error)

	// ReadAt reads cached bytes starting at off. The whole of [off, off+len(p)) must be covered by one span.
	ReadAt(key string, p []byte, off int64) (int, error)

	// Write stores data at off, merging it with every span it overlaps or touches.
	Write(key string, off int64, data []byte) error

	// Spans returns a copy of the spans stored for key.
	Spans(key string) []Span

	// CachedBytes returns the number of bytes stored for key.
	CachedBytes(key string) int64

	// Keys returns every key with stored state.
	Keys() []string

	// Remove deletes the bytes of key covered by spans. A stored span that is only partly covered keeps the rest.
	Remove(key string, spans []Span) error

	// Length gets the total length of the resource, if known.
	Length(key string) (int64, bool)

	// PutLength records the total length of the resource.
	PutLength(key string, length int64) error

	// Release flushes the index and closes all handles. It is safe to call more than once.
	Release() error
}

// Span is a contiguous stored range of a resource.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`

	// Blob is the path of the backing file relative to the blob filesystem.
	Blob string `json:"blob"`

	// LastAccess is refreshed on every cached read and drives eviction.
	LastAccess time.Time `json:"lastAccess"`
}

// Range returns the byte range covered by the span.
func (s Span) Range() math.Range {
	return math.Range{Start: s.Start, End: s.End}
}

// Len returns the number of bytes in the span.
func (s Span) Len() int64 {
	return s.End - s.Start
}

// Segment is a part of a looked up range that is either fully cached or fully missing.
type Segment struct {
	math.Range
	Cached bool
}

// Options configures a span cache.
type Options struct {
	// Dir is the root directory of the cache.
	Dir string

	// MaxOpenBlobs bounds the number of blob files held open.
	MaxOpenBlobs int

	// Fs is the filesystem holding blobs. Defaults to <Dir>/blobs on disk.
	Fs afero.Fs
}

const (
	indexDir = "index"
	blobsDir = "blobs"

	defaultMaxOpenBlobs = 64
)
