// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/azure/mediacache/internal/remote"
	"github.com/azure/mediacache/pkg/math"
	"github.com/rs/zerolog"
)

// CacheBlockSize is the default size of a single fetched block.
var CacheBlockSize int = 1 * 1024 * 1024 // 1 Mib

// ErrInvalidKey is returned for resource keys that are not absolute http(s) URLs.
var ErrInvalidKey = errors.New("invalid resource key")

// ValidateKey checks that key identifies a remote resource.
func ValidateKey(key string) error {
	u, err := url.Parse(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// FetchRange gets the bytes of r from the resource identified by key.
// The result is shorter than r when the resource ends before r.End.
func FetchRange(ctx context.Context, f remote.Fetcher, key string, r math.Range) ([]byte, error) {
	l := zerolog.Ctx(ctx).With().Str("key", key).Int64("offset", r.Start).Int64("count", r.Len()).Logger()
	l.Debug().Msg("fetch range start")

	body, err := f.Fetch(ctx, key, r)
	if err != nil {
		l.Error().Err(err).Msg("fetch range error")
		return nil, err
	}
	defer body.Close()

	d := make([]byte, r.Len())
	n, err := io.ReadFull(body, d)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		l.Error().Err(err).Int("read", n).Msg("fetch range error")
		return nil, err
	}

	l.Debug().Int("read", n).Msg("fetch range stop")
	return d[:n], nil
}
