// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package tests

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/azure/mediacache/internal/remote"
	"github.com/azure/mediacache/pkg/math"
)

var errNotFound = errors.New("resource not found")

// MockFetcher serves resources from memory and records every fetched range.
type MockFetcher struct {
	mu      sync.Mutex
	data    map[string][]byte
	fetches []math.Range
	err     error
	lenErr  error
	hook    func(r math.Range)
}

var _ remote.Fetcher = &MockFetcher{}

// Fetch implements remote.Fetcher.
func (m *MockFetcher) Fetch(ctx context.Context, key string, r math.Range) (io.ReadCloser, error) {
	m.mu.Lock()
	m.fetches = append(m.fetches, r)
	err, hook := m.err, m.hook
	d, ok := m.data[key]
	m.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotFound
	}
	if r.Start > int64(len(d)) {
		return nil, remote.ErrRangeNotSatisfiable
	}

	end := min(r.End, int64(len(d)))
	return io.NopCloser(bytes.NewReader(d[r.Start:end])), nil
}

// Length implements remote.Fetcher.
func (m *MockFetcher) Length(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lenErr != nil {
		return -1, m.lenErr
	}
	d, ok := m.data[key]
	if !ok {
		return -1, remote.ErrUpstreamUnavailable
	}
	return int64(len(d)), nil
}

// Fetches returns the ranges requested so far.
func (m *MockFetcher) Fetches() []math.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]math.Range(nil), m.fetches...)
}

// FetchedBytes returns the total number of bytes requested so far.
func (m *MockFetcher) FetchedBytes() int64 {
	var n int64
	for _, r := range m.Fetches() {
		n += r.Len()
	}
	return n
}

// Put adds or replaces a resource.
func (m *MockFetcher) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
}

// FailWith makes every subsequent fetch fail with err. A nil err restores normal behavior.
func (m *MockFetcher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailLengthWith makes every subsequent length lookup fail with err.
func (m *MockFetcher) FailLengthWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lenErr = err
}

// OnFetch installs a hook called for every fetch before data is served.
func (m *MockFetcher) OnFetch(hook func(r math.Range)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// NewMockFetcher creates a new mock fetcher for testing purposes.
func NewMockFetcher(data map[string][]byte) *MockFetcher {
	if data == nil {
		data = map[string][]byte{}
	}
	return &MockFetcher{data: data}
}
