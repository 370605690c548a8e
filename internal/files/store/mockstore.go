// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package store

import (
	"context"

	"github.com/azure/mediacache/internal/files/cache"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/remote"
)

// MockStore is a store over a span cache in a scratch directory, for tests of dependent packages.
type MockStore struct {
	*store
}

var _ FilesStore = &MockStore{}

// Cache returns the span cache of the store.
func (m *MockStore) Cache() cache.Cache {
	return m.store.cache
}

// Close stops the store and releases its span cache.
func (m *MockStore) Close() error {
	if err := m.store.Close(); err != nil {
		return err
	}
	return m.store.cache.Release()
}

// NewMockStore creates a store caching in dir and reading from f.
func NewMockStore(ctx context.Context, f remote.Fetcher, dir string, opts Options) (*MockStore, error) {
	c, err := cache.New(ctx, cache.Options{Dir: dir})
	if err != nil {
		return nil, err
	}

	s, err := NewFilesStore(ctx, c, evictor.NoOp{}, f, opts)
	if err != nil {
		_ = c.Release()
		return nil, err
	}
	return &MockStore{s.(*store)}, nil
}
