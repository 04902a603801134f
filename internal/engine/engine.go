// Package engine defines the contracts a satellite-data provider must
// implement. Engines work on bare bounding boxes and dates; they never see
// resource ids, job state, or caches.
package engine

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
)

// Series produces aggregated index values bucketed over time.
type Series interface {
	// FetchSeries returns one point per bucket that had usable imagery,
	// ordered by bucket date. A bucket without imagery is simply absent.
	FetchSeries(ctx context.Context, box model.BBox, start, end model.Date, stepDays, maxCloud int) ([]model.Point, error)

	// FetchLatest returns the most recent point within the lookback
	// window, or nil when the window holds no usable imagery.
	FetchLatest(ctx context.Context, box model.BBox, lookbackDays, maxCloud int) (*model.Point, error)
}

// Raster renders an index visualization as an encoded image.
type Raster interface {
	Render(ctx context.Context, box model.BBox, date model.Date, pixelSize, maxCloud int) ([]byte, error)
}

// Provider bundles both capabilities under one provider name.
type Provider interface {
	Series
	Raster
}

// Registry maps provider names to engines. Built once at startup; lookups
// after that are plain map reads, safe for concurrent use.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no engine registered for provider %q", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
