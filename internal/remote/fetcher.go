// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/azure/mediacache/internal/metrics"
	"github.com/azure/mediacache/pkg/math"
	"github.com/rs/zerolog"
)

const (
	operationFetch  = "fetch"
	operationLength = "length"
)

// fetcher is a Fetcher implementation over HTTP range requests.
type fetcher struct {
	session *Session
	log     zerolog.Logger
}

var _ Fetcher = &fetcher{}

// Fetch streams the bytes of r from the resource identified by key.
func (f *fetcher) Fetch(ctx context.Context, key string, r math.Range) (io.ReadCloser, error) {
	if r.Empty() {
		return http.NoBody, nil
	}

	log := f.log.With().Str("operation", operationFetch).Str("key", key).Int64("start", r.Start).Int64("end", r.End).Logger()

	req, err := f.request(ctx, key, r)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("range", req.Header.Get("Range")).Msg("fetch start")
	startTime := time.Now()

	resp, err := f.session.Client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("fetch error")
		return nil, classify(err)
	}

	body := io.Reader(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, _, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && start != r.Start {
			resp.Body.Close()
			err := fmt.Errorf("unexpected content range %q for %v", resp.Header.Get("Content-Range"), r)
			log.Error().Err(err).Msg("fetch error")
			return nil, Error{resp, err}
		}

	case http.StatusOK:
		// The upstream ignored the range, skip to the requested offset.
		if r.Start > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, r.Start); err != nil {
				resp.Body.Close()
				if err == io.EOF {
					log.Debug().Msg("fetch past end of resource")
					return http.NoBody, nil
				}
				return nil, classify(err)
			}
		}

	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		log.Info().Str("content-range", resp.Header.Get("Content-Range")).Msg("fetch range not satisfiable")
		return nil, Error{resp, ErrRangeNotSatisfiable}

	default:
		resp.Body.Close()
		log.Error().Int("status", resp.StatusCode).Msg("fetch error")
		return nil, statusError(resp)
	}

	return &countingBody{
		Reader: io.LimitReader(body, r.Len()),
		closer: resp.Body,
		done: func(n int64) {
			d := time.Since(startTime)
			metrics.Global.RecordUpstreamResponse(req.URL.Hostname(), operationFetch, d.Seconds(), n)
			log.Debug().Int("status", resp.StatusCode).Int64("count", n).Dur("duration", d).Msg("fetch stop")
		},
	}, nil
}

// Length returns the total length of the resource, or -1 if it is unknown.
func (f *fetcher) Length(ctx context.Context, key string) (int64, error) {
	log := f.log.With().Str("operation", operationLength).Str("key", key).Logger()

	req, err := f.request(ctx, key, math.NewRange(0, 1))
	if err != nil {
		return -1, err
	}

	startTime := time.Now()
	resp, err := f.session.Client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("length error")
		return -1, classify(err)
	}
	defer resp.Body.Close()

	length := int64(-1)
	defer func() {
		metrics.Global.RecordUpstreamResponse(req.URL.Hostname(), operationLength, time.Since(startTime).Seconds(), 0)
		log.Debug().Int("status", resp.StatusCode).Int64("length", length).Msg("length stop")
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		length = resp.ContentLength
		return length, nil

	case http.StatusPartialContent:
		if _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			length = total
		}
		return length, nil

	case http.StatusRequestedRangeNotSatisfiable:
		// An empty resource cannot satisfy bytes=0-0 but still reports its size.
		if _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && total >= 0 {
			length = total
			return length, nil
		}
		return -1, Error{resp, ErrRangeNotSatisfiable}

	default:
		log.Error().Int("status", resp.StatusCode).Msg("length error")
		return -1, statusError(resp)
	}
}

// request creates a new range request to the resource identified by key.
func (f *fetcher) request(ctx context.Context, key string, r math.Range) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	f.session.decorate(req)
	req.Header.Set("Range", r.HeaderValue())

	return req, nil
}

// countingBody counts the bytes read from an upstream response and reports them on close.
type countingBody struct {
	io.Reader
	closer io.Closer
	count  int64
	done   func(n int64)
}

// Read implements io.Reader.
func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	b.count += int64(n)
	if err != nil && err != io.EOF {
		err = classify(err)
	}
	return n, err
}

// Close implements io.Closer.
func (b *countingBody) Close() error {
	if b.done != nil {
		b.done(b.count)
		b.done = nil
	}
	return b.closer.Close()
}

// classify maps transport failures to ErrUpstreamUnavailable. Caller cancellation is passed through.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

// statusError creates the error for an unexpected response code.
func statusError(resp *http.Response) error {
	err := fmt.Errorf("unexpected response code: %d", resp.StatusCode)
	if resp.StatusCode >= 500 {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return Error{resp, err}
}

// parseContentRange parses "bytes start-end/total". total is -1 when reported as "*".
// The unsatisfied form "bytes */total" yields start -1.
func parseContentRange(v string) (start int64, total int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}

	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}

	total = -1
	if size != "*" {
		var err error
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}

	if rng == "*" {
		return -1, total, true
	}

	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return start, total, true
}

// NewFetcher creates a new upstream fetcher using the shared session.
func NewFetcher(ctx context.Context, s *Session) Fetcher {
	return &fetcher{
		session: s,
		log:     zerolog.Ctx(ctx).With().Str("component", "upstream").Logger(),
	}
}
