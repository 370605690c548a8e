// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package evictor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/azure/mediacache/internal/files/cache"
)

// Evictor decides which spans of a resource to remove after a write.
type Evictor interface {
	// Evict returns the ranges of key to remove, each within one of spans. spans is not modified.
	Evict(key string, spans []cache.Span) []cache.Span
}

// Policy names an eviction strategy.
type Policy string

const (
	// PolicyNoOp never evicts.
	PolicyNoOp Policy = "noop"

	// PolicySizeBounded keeps the cached bytes of each resource within a limit.
	PolicySizeBounded Policy = "size-bounded"
)

// ParsePolicy parses a configuration name into a policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case PolicyNoOp, PolicySizeBounded:
		return p, nil
	case "":
		return PolicyNoOp, nil
	default:
		return "", fmt.Errorf("unknown cache policy: %q", s)
	}
}

// NoOp never evicts anything.
type NoOp struct{}

var _ Evictor = NoOp{}

// Evict implements Evictor.
func (NoOp) Evict(string, []cache.Span) []cache.Span {
	return nil
}

// SizeBounded removes least recently used bytes until the cached bytes of a resource are exactly Limit.
// Spans are taken whole while the excess allows, the last one loses only its leading bytes since playback reads
// forward. Ties on access time go to the span with the lower start.
type SizeBounded struct {
	Limit int64
}

var _ Evictor = SizeBounded{}

// Evict implements Evictor.
func (e SizeBounded) Evict(_ string, spans []cache.Span) []cache.Span {
	var total int64
	for _, s := range spans {
		total += s.Len()
	}
	if total <= e.Limit {
		return nil
	}

	lru := append([]cache.Span(nil), spans...)
	sort.SliceStable(lru, func(i, j int) bool {
		if !lru[i].LastAccess.Equal(lru[j].LastAccess) {
			return lru[i].LastAccess.Before(lru[j].LastAccess)
		}
		return lru[i].Start < lru[j].Start
	})

	var victims []cache.Span
	for _, s := range lru {
		excess := total - e.Limit
		if excess <= 0 {
			break
		}
		if s.Len() > excess {
			s.End = s.Start + excess
		}
		victims = append(victims, s)
		total -= s.Len()
	}
	return victims
}

// New creates the evictor for policy. limit is only used by size bounded eviction.
func New(policy Policy, limit int64) (Evictor, error) {
	switch policy {
	case PolicyNoOp, "":
		return NoOp{}, nil
	case PolicySizeBounded:
		if limit < 0 {
			return nil, fmt.Errorf("invalid cache limit %d", limit)
		}
		return SizeBounded{Limit: limit}, nil
	default:
		return nil, fmt.Errorf("unknown cache policy: %q", policy)
	}
}
