// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FilesStore opens remote resources for reading through the span cache.
type FilesStore interface {
	// Open opens the resource identified by key and starts prefetching it.
	Open(ctx context.Context, key string) (File, error)

	// Close stops the prefetch workers. It does not release the span cache.
	Close() error
}

// File is an abstraction for a remote resource that can be read from this store.
// It is similar to os.File.
type File interface {
	// Seek sets the current file offset.
	Seek(offset int64, whence int) (int64, error)

	// Fstat returns the size of the file, or -1 if the upstream does not report it.
	Fstat() (int64, error)

	// Read reads up to len(p) bytes into p, stopping at the next block boundary.
	// It returns io.EOF at the end of the resource.
	Read(p []byte) (n int, err error)

	// ReadAt reads len(p) bytes from the File starting at byte offset off. It returns the number of bytes read and the error, if any.
	ReadAt(buff []byte, off int64) (int, error)

	// Close cancels in-flight reads of this file. It is safe to call more than once.
	Close() error
}

// GapPolicy decides what a read does when fetching a missing segment fails.
type GapPolicy int

const (
	// FailRead fails the whole read.
	FailRead GapPolicy = iota

	// ServePartial returns the contiguous bytes assembled before the failed segment.
	ServePartial
)

// String returns the configuration name of the policy.
func (p GapPolicy) String() string {
	switch p {
	case FailRead:
		return "fail"
	case ServePartial:
		return "partial"
	default:
		return fmt.Sprintf("gap-policy(%d)", int(p))
	}
}

// ParseGapPolicy parses a configuration name into a policy.
func ParseGapPolicy(s string) (GapPolicy, error) {
	for _, p := range []GapPolicy{FailRead, ServePartial} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown gap policy: %q", s)
}

// ErrorPolicy decides what a read does when the span cache fails.
type ErrorPolicy int

const (
	// SurfaceErrors returns cache failures to the reader.
	SurfaceErrors ErrorPolicy = iota

	// BypassCache serves the read directly from upstream.
	BypassCache
)

// Options configures a FilesStore.
type Options struct {
	// BlockSize is the unit of upstream fetches. It must be a power of 2.
	BlockSize int

	GapPolicy   GapPolicy
	ErrorPolicy ErrorPolicy

	// PrefetchWorkers is the number of workers that will be used to prefetch files.
	// To disable prefetch, set this to 0.
	PrefetchWorkers int

	// PrefetchBlocks is the number of leading blocks prefetched on open.
	PrefetchBlocks int
}

var (
	// ErrClosed is returned by reads on a closed file.
	ErrClosed = errors.New("file closed")

	// ErrStoreClosed is returned by Open after the store is closed.
	ErrStoreClosed = errors.New("store closed")
)

// CacheError is a failure of the span cache, as opposed to a failure of the upstream.
type CacheError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *CacheError) Error() string {
	return "cache " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *CacheError) Unwrap() error {
	return e.Err
}
