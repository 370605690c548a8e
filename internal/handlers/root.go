// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import (
	"context"
	"net/http"
	"time"

	mcontext "github.com/azure/mediacache/internal/context"
	"github.com/azure/mediacache/internal/files/store"
	mediaHandler "github.com/azure/mediacache/internal/handlers/media"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler creates the HTTP handler of the local media endpoint.
func Handler(ctx context.Context, fs store.FilesStore) (http.Handler, error) {
	mh := mediaHandler.New(ctx, fs)

	engine := newEngine(ctx)
	registerRoutes(engine, mh.Handle, gin.WrapH(promhttp.Handler()))

	return engine, nil
}

// newEngine creates a new gin engine.
func newEngine(ctx context.Context) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	baseLog := zerolog.Ctx(ctx)

	engine.Use(func(c *gin.Context) {
		mcontext.FillCorrelationId(c)
		c.Set(mcontext.LoggerCtxKey, baseLog)

		l := mcontext.Logger(c)
		l.Debug().Msg("request start")
		s := time.Now()

		c.Next()

		status := c.Writer.Status()
		event := l.Info()
		if status >= 400 && status < 500 {
			event = l.Warn()
		} else if status >= 500 {
			event = l.Error()
		}

		if c.Errors != nil {
			errs := []error{}
			for _, e := range c.Errors {
				errs = append(errs, e.Err)
			}
			event = event.Errs("error", errs)
		}

		event.Dur("duration", time.Since(s)).Str("method", c.Request.Method).Int("status", status).Msg("request served")
	})

	engine.Use(gin.Recovery())
	return engine
}

// registerRoutes registers the routes for the HTTP server.
func registerRoutes(engine *gin.Engine, m, p gin.HandlerFunc) {
	engine.HEAD("/media/*url", m)
	engine.GET("/media/*url", m)

	engine.GET("/metrics", p)
}
