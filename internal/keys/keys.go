// Package keys derives idempotency keys and redis key names. All derivations
// are deterministic functions of normalized parameters so that identical
// logical requests always collide.
package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
)

// Idempotency hashes the identity-defining parameters of a job. Field order
// in the canonical rendering is fixed, so the result is independent of how
// the caller assembled the parameters.
func Idempotency(provider string, resourceID int64, kind model.JobKind, p model.JobParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider=%s|resource=%d|kind=%s", sanitize(provider), resourceID, kind)
	switch {
	case p.Series != nil:
		s := p.Series
		fmt.Fprintf(&b, "|start=%s|end=%s|step=%d|cloud=%d|lookback=%d",
			s.Start, s.End, s.StepDays, s.MaxCloud, s.LookbackDays)
	case p.Raster != nil:
		r := p.Raster
		fmt.Fprintf(&b, "|date=%s|size=%d|cloud=%d", r.TargetDate, r.PixelSize, r.MaxCloud)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// Series is the response-cache key for a time-series query.
func Series(resourceID int64, provider string, p model.SeriesParams) string {
	return fmt.Sprintf("ndvi:ts:%d:%s:%s:%s:%d:%d",
		resourceID, sanitize(provider), p.Start, p.End, p.StepDays, p.MaxCloud)
}

// SeriesIndex is the per-(resource, provider) set of live series cache keys,
// used for invalidation after a gap-fill completes.
func SeriesIndex(resourceID int64, provider string) string {
	return fmt.Sprintf("ndvi:tsidx:%d:%s", resourceID, sanitize(provider))
}

// Latest is the response-cache key for a latest-point query.
func Latest(resourceID int64, provider string, p model.SeriesParams) string {
	return fmt.Sprintf("ndvi:latest:%d:%s:%d:%d",
		resourceID, sanitize(provider), p.LookbackDays, p.MaxCloud)
}

// Lock is the dispatch-lock key for an idempotency key.
func Lock(idempotencyKey string) string {
	return "ndvi:lock:" + idempotencyKey
}

// Throttle guards the manual refresh trigger per resource.
func Throttle(resourceID int64) string {
	return fmt.Sprintf("ndvi:refresh:throttle:%d", resourceID)
}

// Token caches a provider OAuth token per client id.
func Token(provider, clientID string) string {
	return fmt.Sprintf("ndvi:token:%s:%s", sanitize(provider), sanitize(clientID))
}

// sanitize keeps redis keys free of whitespace and separator noise. Runs of
// replaced runes collapse to one.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := r
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			out = '_'
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.':
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}
