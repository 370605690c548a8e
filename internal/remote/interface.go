// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package remote

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/azure/mediacache/pkg/math"
)

var (
	// ErrUpstreamUnavailable is returned when the upstream cannot be reached or fails to answer.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRangeNotSatisfiable is returned when the upstream rejects the requested offset.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// Fetcher provides range-scoped reads of remote resources.
type Fetcher interface {
	// Fetch streams the bytes of r from the resource identified by key.
	// The stream is finite and cannot be restarted. It may end early at the true end of the resource.
	Fetch(ctx context.Context, key string, r math.Range) (io.ReadCloser, error)

	// Length returns the total length of the resource, or -1 if the upstream does not report it.
	Length(ctx context.Context, key string) (int64, error)
}

// Error describes an error that occurred during a remote operation.
type Error struct {
	*http.Response
	error
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.error
}
