// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	fdCnt int32

	errItemClosed = errors.New("blob handle closed")
)

// item is an open blob file.
type item struct {
	path   string
	file   afero.File
	lock   sync.RWMutex
	closed bool
}

// readAt reads len(p) bytes of the blob starting at off.
func (i *item) readAt(p []byte, off int64) (int, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.closed {
		return 0, errItemClosed
	}

	n, err := i.file.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// writeAt writes all of p into the blob at off.
func (i *item) writeAt(p []byte, off int64) (int, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.closed {
		return 0, errItemClosed
	}

	return i.file.WriteAt(p, off)
}

// truncate changes the size of the blob.
func (i *item) truncate(size int64) error {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.closed {
		return errItemClosed
	}

	return i.file.Truncate(size)
}

// size returns the size of the blob.
func (i *item) size() (int64, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.closed {
		return 0, errItemClosed
	}

	info, err := i.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// close closes the underlying file. Closing an already closed item is a no-op.
func (i *item) close(l zerolog.Logger) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.closed {
		return
	}

	count := atomic.AddInt32(&fdCnt, -1)
	l.Debug().Str("blob", i.path).Int32("count", count).Msg("blob handle close")

	if err := i.file.Close(); err != nil {
		l.Error().Err(err).Str("blob", i.path).Msg("failed to close blob")
	}

	i.closed = true
}

// openItem opens the blob at path, creating it and its directory when create is set.
func openItem(fs afero.Fs, path string, create bool, l zerolog.Logger) (*item, error) {
	flag := os.O_RDWR
	if create {
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		flag |= os.O_CREATE
	}

	f, err := fs.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}

	count := atomic.AddInt32(&fdCnt, 1)
	l.Debug().Str("blob", path).Int32("count", count).Msg("blob handle open")

	return &item{path: path, file: f}, nil
}
