// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package context

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context keys.
const (
	CorrelationIdCtxKey = "correlation_id"
	LoggerCtxKey        = "logger"
)

// Request headers.
const (
	CorrelationHeaderKey = "X-Mediacache-Correlation-Id"
	CacheStatusHeaderKey = "X-Mediacache-Cache"
)

// FillCorrelationId sets the correlation id of the request, taking it from the request headers if present.
func FillCorrelationId(c *gin.Context) {
	correlationId := c.Request.Header.Get(CorrelationHeaderKey)
	if correlationId == "" {
		correlationId = uuid.New().String()
	}
	c.Set(CorrelationIdCtxKey, correlationId)
	c.Header(CorrelationHeaderKey, correlationId)
}

// Logger gets the logger with request specific fields.
func Logger(c *gin.Context) zerolog.Logger {
	var l zerolog.Logger
	obj, ok := c.Get(LoggerCtxKey)
	if !ok {
		fmt.Println("WARN: logger not found in context")
		l = zerolog.Nop()
	} else {
		ctxLog := obj.(*zerolog.Logger)
		l = *ctxLog
	}

	return l.With().Str("correlationid", c.GetString(CorrelationIdCtxKey)).Str("url", c.Request.URL.String()).Str("range", c.Request.Header.Get("Range")).Str("ip", c.ClientIP()).Logger()
}

// MediaUrl extracts the upstream media URL from the incoming request URL.
// Clients and proxies may collapse the double slash after the scheme, so it is restored.
func MediaUrl(c *gin.Context) string {
	u := strings.TrimPrefix(c.Param("url"), "/")
	for _, scheme := range []string{"https:/", "http:/"} {
		if strings.HasPrefix(u, scheme) && !strings.HasPrefix(u, scheme+"/") {
			u = scheme + "/" + strings.TrimPrefix(u, scheme)
			break
		}
	}

	if c.Request.URL.RawQuery != "" {
		u += "?" + c.Request.URL.RawQuery
	}
	return u
}
