// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package cache

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

var testRoot string

func TestMain(m *testing.M) {
	if err := setup(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	code := m.Run()
	err := teardown()
	if code == 0 && err != nil {
		code = 42
	}
	os.Exit(code)
}

func setup() (err error) {
	testRoot, err = os.MkdirTemp("", "mediacache-cache-")
	return err
}

// teardown removes the cache directory.
func teardown() error {
	if err := os.RemoveAll(testRoot); err != nil {
		return fmt.Errorf("failed to remove cache dir: %v --- %v", testRoot, err)
	}

	return nil
}

// newTestDir returns a fresh cache directory below the test root.
func newTestDir() string {
	return filepath.Join(testRoot, newRandomStringN(10))
}

// newTestCache opens a span cache in a fresh directory.
func newTestCache(t *testing.T) (*spanCache, string) {
	dir := newTestDir()
	c, err := New(context.Background(), Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.Release()
	})
	return c.(*spanCache), dir
}

// newRandomStringN creates a new random string of length n.
func newRandomStringN(n int) string {
	randBytes := make([]byte, n/2)
	_, _ = rand.Read(randBytes)

	return fmt.Sprintf("%x", randBytes)
}

// randomBytesN creates a new random byte slice of length n.
func randomBytesN(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
