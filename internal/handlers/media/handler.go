// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package media

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	mcontext "github.com/azure/mediacache/internal/context"
	"github.com/azure/mediacache/internal/files"
	"github.com/azure/mediacache/internal/files/store"
	"github.com/azure/mediacache/internal/metrics"
	"github.com/azure/mediacache/internal/remote"
	"github.com/gin-gonic/gin"
)

const defaultContentType = "application/octet-stream"

// mediaTypes covers streaming formats missing from the builtin mime table.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".m4a":  "audio/mp4",
	".m4v":  "video/mp4",
	".ts":   "video/mp2t",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".m3u8": "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
}

// MediaHandler serves remote media through the span cache.
type MediaHandler struct {
	store store.FilesStore
}

var _ gin.HandlerFunc = (&MediaHandler{}).Handle

// Handle handles a request for a media resource.
// Ranges are answered by http.ServeContent when the length is known; otherwise the resource is streamed whole.
func (h *MediaHandler) Handle(c *gin.Context) {
	key := mcontext.MediaUrl(c)
	log := mcontext.Logger(c).With().Str("media", key).Logger()
	log.Debug().Msg("media handler start")
	s := time.Now()
	defer func() {
		dur := time.Since(s)
		metrics.Global.RecordRequest(c.Request.Method, "media", dur.Seconds())
		log.Debug().Dur("duration", dur).Msg("media handler stop")
	}()

	c.Set("handler", "media")

	ctx := log.WithContext(c.Request.Context())
	f, err := h.store.Open(ctx, key)
	if err != nil {
		log.Debug().Err(err).Msg("media open failed")
		// nolint
		c.AbortWithError(statusOf(err), err)
		return
	}
	defer f.Close()

	size, err := f.Fstat()
	if err != nil {
		// nolint
		c.AbortWithError(statusOf(err), err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", contentType(key))

	if size >= 0 {
		http.ServeContent(w, c.Request, "", time.Time{}, f)
		return
	}

	// The length is unknown, so ranges cannot be answered.
	w.Header().Set("Accept-Ranges", "none")
	w.WriteHeader(http.StatusOK)
	if c.Request.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Error().Err(err).Msg("media stream error")
		// nolint
		c.Error(err)
	}
}

// statusOf maps a store error to a response status.
func statusOf(err error) int {
	var rerr remote.Error
	switch {
	case errors.Is(err, files.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, remote.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, remote.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &rerr) && rerr.Response != nil && rerr.StatusCode >= 400 && rerr.StatusCode < 500:
		return rerr.StatusCode
	default:
		return http.StatusInternalServerError
	}
}

// contentType guesses the media type from the extension of the resource path.
func contentType(key string) string {
	u, err := url.Parse(key)
	if err != nil {
		return defaultContentType
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}

// New creates a new media handler.
func New(ctx context.Context, fs store.FilesStore) *MediaHandler {
	return &MediaHandler{fs}
}
