// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/azure/mediacache/pkg/math"
	"github.com/rs/zerolog"
)

var errNegativeOffset = errors.New("negative offset")

// file describes a remote resource that can be read from this content store.
// It implements the File interface. It is similar to os.File.
type file struct {
	key string

	cur     int64
	curLock sync.Mutex

	size     int64
	probed   bool
	statLock sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	store *store
	log   zerolog.Logger
}

var _ File = &file{}

// prefetch tries to prefetch the specified parts of the file in chunks of the block size.
// It can silently fail.
func (f *file) prefetch(offset int64, count int64) {
	go func() {
		fileSize, err := f.Fstat()
		if err != nil {
			return
		}

		segs, err := math.NewSegments(math.NewRange(offset, count), f.store.opts.BlockSize, fileSize)
		if err != nil {
			f.log.Error().Err(err).Msg("prefetch error: failed to create segments")
			return
		}

		for _, seg := range segs.List() {
			select {
			case f.store.prefetchChan <- prefetchableSegment{ctx: f.ctx, key: f.key, r: seg.Range()}:
			case <-f.ctx.Done():
				return
			case <-f.store.done:
				return
			}
		}
	}()
}

// Seek sets the current file offset.
func (f *file) Seek(offset int64, whence int) (int64, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	f.curLock.Lock()
	defer f.curLock.Unlock()

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.cur + offset
	case io.SeekEnd:
		size, err := f.Fstat()
		if err != nil {
			return f.cur, err
		} else if size < 0 {
			return f.cur, errors.New("seek from end: size unknown")
		}
		pos = size + offset
	default:
		return f.cur, fmt.Errorf("invalid whence: %d", whence)
	}

	if pos < 0 {
		return f.cur, errNegativeOffset
	}
	f.cur = pos
	return f.cur, nil
}

// Fstat returns the size of the file.
func (f *file) Fstat() (int64, error) {
	f.statLock.Lock()
	defer f.statLock.Unlock()

	if f.probed {
		return f.size, nil
	}

	size, err := f.store.length(f.ctx, f.key)
	if err != nil {
		return -1, err
	}
	f.size, f.probed = size, true
	return size, nil
}

// Read reads up to len(p) bytes into p, stopping at the next block boundary.
func (f *file) Read(p []byte) (n int, err error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	f.curLock.Lock()
	defer f.curLock.Unlock()

	bs := int64(f.store.opts.BlockSize)
	next := math.AlignDown(f.cur, bs) + bs
	if int64(len(p)) > next-f.cur {
		p = p[:next-f.cur]
	}

	n, partial, err := f.readAt(p, f.cur)
	f.cur += int64(n)

	// A short read is fine for a stream, the next read retries the gap.
	if partial && n > 0 {
		return n, nil
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes from the File starting at byte offset off. It returns the number of bytes read and the error, if any.
func (f *file) ReadAt(buff []byte, offset int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	n, _, err := f.readAt(buff, offset)
	return n, err
}

// readAt reads into buff at offset. partial is set when a gap failed under the partial policy.
func (f *file) readAt(buff []byte, offset int64) (n int, partial bool, err error) {
	if offset < 0 {
		return 0, false, errNegativeOffset
	}
	if len(buff) == 0 {
		return 0, false, nil
	}

	size, err := f.Fstat()
	if err != nil {
		return 0, false, err
	}

	r := math.NewRange(offset, int64(len(buff)))
	if size >= 0 {
		if offset >= size {
			return 0, false, io.EOF
		}
		r.End = min(r.End, size)
	}

	res, err := f.store.read(f.ctx, f.key, r)
	if err != nil {
		if f.closed.Load() && errors.Is(err, context.Canceled) {
			return 0, false, ErrClosed
		}
		f.log.Error().Err(err).Int64("offset", offset).Int("count", len(buff)).Msg("readat error")
		return 0, false, err
	}

	n = copy(buff, res.Data)

	if res.EOF && size < 0 {
		end := offset + int64(len(res.Data))
		f.statLock.Lock()
		f.size, f.probed = end, true
		f.statLock.Unlock()
		f.store.putLength(f.ctx, f.key, end)
	}

	switch {
	case res.Partial:
		return n, true, res.GapErr
	case n < len(buff):
		return n, false, io.EOF
	default:
		return n, false, nil
	}
}

// Close cancels in-flight reads of this file.
func (f *file) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.cancel()
	f.log.Debug().Msg("file close")
	return nil
}
