// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/azure/mediacache/internal/files"
	"github.com/azure/mediacache/internal/files/evictor"
	"github.com/azure/mediacache/internal/files/store"
	"github.com/azure/mediacache/internal/remote"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

const (
	defaultConnectTimeout = 8 * time.Second
	defaultReadTimeout    = 8 * time.Second

	defaultMaxOpenBlobs    = 64
	defaultPrefetchWorkers = 4
	defaultPrefetchBlocks  = 2

	cacheSubdir = "mediacache/exoplayer"
)

// Duration is a time.Duration that reads from "8s" style strings or a plain number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := string(b)
	if v, err := time.ParseDuration(s); err == nil {
		d.Duration = v
		return nil
	}

	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration: %q", s)
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the media cache configuration.
type Config struct {
	CacheDir    string `toml:"cache_dir"`
	CachePolicy string `toml:"cache_policy"`

	// CacheLimit is the byte budget per resource under the size-bounded policy.
	CacheLimit int64 `toml:"cache_limit"`

	BypassCacheOnError bool   `toml:"bypass_cache_on_error"`
	GapPolicy          string `toml:"gap_policy"`
	ResetOnCorrupt     bool   `toml:"reset_on_corrupt"`

	BlockSize       int `toml:"block_size"`
	MaxOpenBlobs    int `toml:"max_open_blobs"`
	PrefetchWorkers int `toml:"prefetch_workers"`
	PrefetchBlocks  int `toml:"prefetch_blocks"`

	CookiePolicy   string            `toml:"cookie_policy"`
	ConnectTimeout Duration          `toml:"connect_timeout"`
	ReadTimeout    Duration          `toml:"read_timeout"`
	UserAgent      string            `toml:"user_agent"`
	Headers        map[string]string `toml:"headers"`
}

// Default returns the reference configuration.
func Default() *Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}

	return &Config{
		CacheDir:           filepath.Join(dir, cacheSubdir),
		CachePolicy:        string(evictor.PolicyNoOp),
		BypassCacheOnError: true,
		GapPolicy:          store.FailRead.String(),
		ResetOnCorrupt:     true,
		BlockSize:          files.CacheBlockSize,
		MaxOpenBlobs:       defaultMaxOpenBlobs,
		PrefetchWorkers:    defaultPrefetchWorkers,
		PrefetchBlocks:     defaultPrefetchBlocks,
		CookiePolicy:       remote.AcceptOriginalServer.String(),
		ConnectTimeout:     Duration{defaultConnectTimeout},
		ReadTimeout:        Duration{defaultReadTimeout},
	}
}

// Load reads the configuration at path over the defaults and validates it.
// An empty path returns the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes the configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	errs := []error{}

	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir must be set"))
	}

	policy, err := evictor.ParsePolicy(c.CachePolicy)
	if err != nil {
		errs = append(errs, err)
	} else if policy == evictor.PolicySizeBounded && c.CacheLimit <= 0 {
		errs = append(errs, fmt.Errorf("cache_limit must be positive for %s, got: %d", policy, c.CacheLimit))
	}

	if _, err := store.ParseGapPolicy(c.GapPolicy); err != nil {
		errs = append(errs, err)
	}

	if _, err := remote.ParseCookiePolicy(c.CookiePolicy); err != nil {
		errs = append(errs, err)
	}

	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		errs = append(errs, fmt.Errorf("block_size must be a power of 2, got: %d", c.BlockSize))
	}

	if c.MaxOpenBlobs <= 0 {
		errs = append(errs, fmt.Errorf("max_open_blobs must be positive, got: %d", c.MaxOpenBlobs))
	}

	if c.PrefetchWorkers < 0 || c.PrefetchBlocks < 0 {
		errs = append(errs, fmt.Errorf("prefetch settings must not be negative, got: %d workers, %d blocks", c.PrefetchWorkers, c.PrefetchBlocks))
	}

	if c.ConnectTimeout.Duration < 0 || c.ReadTimeout.Duration < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	return errors.Join(errs...)
}

// StoreOptions returns the read options of the files store.
func (c *Config) StoreOptions() store.Options {
	gp, _ := store.ParseGapPolicy(c.GapPolicy)

	ep := store.SurfaceErrors
	if c.BypassCacheOnError {
		ep = store.BypassCache
	}

	return store.Options{
		BlockSize:       c.BlockSize,
		GapPolicy:       gp,
		ErrorPolicy:     ep,
		PrefetchWorkers: c.PrefetchWorkers,
		PrefetchBlocks:  c.PrefetchBlocks,
	}
}

// SessionOptions returns the options of the upstream session.
func (c *Config) SessionOptions() remote.SessionOptions {
	cp, _ := remote.ParseCookiePolicy(c.CookiePolicy)
	return remote.SessionOptions{
		CookiePolicy:   cp,
		ConnectTimeout: c.ConnectTimeout.Duration,
		ReadTimeout:    c.ReadTimeout.Duration,
		UserAgent:      c.UserAgent,
		Headers:        c.Headers,
	}
}

// Evictor returns the evictor for the configured policy.
func (c *Config) Evictor() (evictor.Evictor, error) {
	p, err := evictor.ParsePolicy(c.CachePolicy)
	if err != nil {
		return nil, err
	}
	return evictor.New(p, c.CacheLimit)
}
