// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/azure/mediacache/internal/files"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/files/store"
	"github.com/azure/mediacache/internal/remote"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const configPath = "/etc/mediacache/config.toml"

func TestDefaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)

	require.Contains(t, cfg.CacheDir, "mediacache")
	require.Equal(t, string(evictor.PolicyNoOp), cfg.CachePolicy)
	require.True(t, cfg.BypassCacheOnError)
	require.Equal(t, files.CacheBlockSize, cfg.BlockSize)
	require.Equal(t, 8*time.Second, cfg.ConnectTimeout.Duration)
	require.Equal(t, 8*time.Second, cfg.ReadTimeout.Duration)

	opts := cfg.StoreOptions()
	require.Equal(t, store.BypassCache, opts.ErrorPolicy)
	require.Equal(t, store.FailRead, opts.GapPolicy)

	sopts := cfg.SessionOptions()
	require.Equal(t, remote.AcceptOriginalServer, sopts.CookiePolicy)

	e, err := cfg.Evictor()
	require.NoError(t, err)
	require.Equal(t, evictor.NoOp{}, e)
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, configPath, []byte(`cache_dir = '/var/cache/media'
cache_policy = 'size-bounded'
cache_limit = 1048576
bypass_cache_on_error = false
gap_policy = 'partial'
block_size = 65536
cookie_policy = 'accept-none'
connect_timeout = '2s'
read_timeout = '15'
user_agent = 'player/1.0'

[headers]
X-Client = 'tv'
`), 0644))

	cfg, err := Load(fs, configPath)
	require.NoError(t, err)

	require.Equal(t, "/var/cache/media", cfg.CacheDir)
	require.Equal(t, int64(1<<20), cfg.CacheLimit)
	require.Equal(t, 2*time.Second, cfg.ConnectTimeout.Duration)
	require.Equal(t, 15*time.Second, cfg.ReadTimeout.Duration)
	require.Equal(t, map[string]string{"X-Client": "tv"}, cfg.Headers)

	// Keys missing from the file keep their defaults.
	require.Equal(t, defaultMaxOpenBlobs, cfg.MaxOpenBlobs)

	opts := cfg.StoreOptions()
	require.Equal(t, store.SurfaceErrors, opts.ErrorPolicy)
	require.Equal(t, store.ServePartial, opts.GapPolicy)
	require.Equal(t, 65536, opts.BlockSize)

	sopts := cfg.SessionOptions()
	require.Equal(t, remote.AcceptNone, sopts.CookiePolicy)
	require.Equal(t, "player/1.0", sopts.UserAgent)

	e, err := cfg.Evictor()
	require.NoError(t, err)
	require.Equal(t, evictor.SizeBounded{Limit: 1 << 20}, e)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax", content: `cache_dir = `},
		{name: "unknown cache policy", content: `cache_policy = 'fifo'`},
		{name: "size bounded without limit", content: `cache_policy = 'size-bounded'`},
		{name: "unknown gap policy", content: `gap_policy = 'sometimes'`},
		{name: "unknown cookie policy", content: `cookie_policy = 'accept-some'`},
		{name: "block size", content: `block_size = 1000`},
		{name: "max open blobs", content: `max_open_blobs = 0`},
		{name: "negative prefetch", content: `prefetch_workers = -1`},
		{name: "duration", content: `read_timeout = 'soon'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, configPath, []byte(tt.content), 0644))

			_, err := Load(fs, configPath)
			require.Error(t, err)
		})
	}

	_, err := Load(afero.NewMemMapFs(), configPath)
	require.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Headers = map[string]string{"X-Client": "tv"}

	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))
	require.Contains(t, buf.String(), "connect_timeout = '8s'")

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, configPath, buf.Bytes(), 0644))

	got, err := Load(fs, configPath)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}
