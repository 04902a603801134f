// Package sweeper schedules background data maintenance: a daily latest
// refresh and a weekly gap fill over a trailing window, for every active
// resource. Enqueueing goes through the service so the gate and dedupe apply.
package sweeper

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/events"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/geo"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/resource"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/service"
)

type Sweeper struct {
	svc     *service.Service
	dir     resource.Directory
	emitter events.Emitter
	log     zerolog.Logger

	refreshEvery  time.Duration
	gapFillEvery  time.Duration
	gapFillWindow int
	now           func() time.Time
}

type Options struct {
	Service         *service.Service
	Directory       resource.Directory
	Emitter         events.Emitter
	Logger          zerolog.Logger
	RefreshInterval time.Duration
	GapFillInterval time.Duration
	GapFillWindow   int
}

func New(o Options) *Sweeper {
	refresh := o.RefreshInterval
	if refresh <= 0 {
		refresh = 24 * time.Hour
	}
	gapFill := o.GapFillInterval
	if gapFill <= 0 {
		gapFill = 7 * 24 * time.Hour
	}
	window := o.GapFillWindow
	if window <= 0 {
		window = 120
	}
	emitter := o.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Sweeper{
		svc:           o.Service,
		dir:           o.Directory,
		emitter:       emitter,
		log:           o.Logger.With().Str("component", "sweeper").Logger(),
		refreshEvery:  refresh,
		gapFillEvery:  gapFill,
		gapFillWindow: window,
		now:           time.Now,
	}
}

// Run ticks both sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	refresh := time.NewTicker(s.refreshEvery)
	gapFill := time.NewTicker(s.gapFillEvery)
	defer refresh.Stop()
	defer gapFill.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.RunRefresh(ctx)
		case <-gapFill.C:
			s.RunGapFill(ctx)
		}
	}
}

// RunRefresh enqueues a refresh_latest with default parameters for every
// active resource.
func (s *Sweeper) RunRefresh(ctx context.Context) {
	resources, err := s.dir.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("refresh sweep: list active")
		return
	}

	enqueued := 0
	for _, r := range resources {
		params := model.SeriesJobParams(model.SeriesParams{LookbackDays: geo.Unset, MaxCloud: geo.Unset})
		if _, created, err := s.svc.EnqueueOrGet(ctx, r.ID, model.KindRefreshLatest, params); err != nil {
			s.log.Warn().Err(err).Int64("resource_id", r.ID).Msg("refresh sweep: enqueue")
		} else if created {
			enqueued++
		}
	}

	observability.IncSweep("refresh")
	s.emitter.Emit(events.SweepCompleted, map[string]string{
		"sweep":     "refresh",
		"resources": strconv.Itoa(len(resources)),
		"enqueued":  strconv.Itoa(enqueued),
	})
	s.log.Info().Int("resources", len(resources)).Int("enqueued", enqueued).Msg("refresh sweep done")
}

// RunGapFill enqueues a gap_fill over the trailing window for every active
// resource.
func (s *Sweeper) RunGapFill(ctx context.Context) {
	resources, err := s.dir.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("gap fill sweep: list active")
		return
	}

	end := model.DateOf(s.now().UTC())
	start := end.AddDays(-s.gapFillWindow)

	enqueued := 0
	for _, r := range resources {
		params := model.SeriesJobParams(model.SeriesParams{
			Start: start, End: end, StepDays: geo.Unset, MaxCloud: geo.Unset,
		})
		if _, created, err := s.svc.EnqueueOrGet(ctx, r.ID, model.KindGapFill, params); err != nil {
			s.log.Warn().Err(err).Int64("resource_id", r.ID).Msg("gap fill sweep: enqueue")
		} else if created {
			enqueued++
		}
	}

	observability.IncSweep("gap_fill")
	s.emitter.Emit(events.SweepCompleted, map[string]string{
		"sweep":     "gap_fill",
		"resources": strconv.Itoa(len(resources)),
		"enqueued":  strconv.Itoa(enqueued),
	})
	s.log.Info().Int("resources", len(resources)).Int("enqueued", enqueued).Msg("gap fill sweep done")
}
