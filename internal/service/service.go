// Package service implements the exposed operations of the pipeline. Every
// operation runs the quota gate before touching cache, store, or ledger: a
// request rejected by the gate leaves no trace.
package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/responsecache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/events"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/geo"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/keys"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/ledger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/resource"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/store"
)

type Service struct {
	gate      *geo.Gate
	dir       resource.Directory
	ledger    *ledger.Ledger
	respCache *responsecache.Cache
	obs       *store.Observations
	artifacts *store.Artifacts
	redis     *rediscache.Client
	emitter   events.Emitter
	log       zerolog.Logger

	refreshCooldown time.Duration
	now             func() time.Time
}

type Options struct {
	Gate            *geo.Gate
	Directory       resource.Directory
	Ledger          *ledger.Ledger
	ResponseCache   *responsecache.Cache
	Observations    *store.Observations
	Artifacts       *store.Artifacts
	Redis           *rediscache.Client
	Emitter         events.Emitter
	Logger          zerolog.Logger
	RefreshCooldown time.Duration
}

func New(o Options) *Service {
	cooldown := o.RefreshCooldown
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	emitter := o.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Service{
		gate:            o.Gate,
		dir:             o.Directory,
		ledger:          o.Ledger,
		respCache:       o.ResponseCache,
		obs:             o.Observations,
		artifacts:       o.Artifacts,
		redis:           o.Redis,
		emitter:         emitter,
		log:             o.Logger.With().Str("component", "service").Logger(),
		refreshCooldown: cooldown,
		now:             time.Now,
	}
}

// EnqueueOrGet gates the request and then either creates a job or returns
// the one already covering identical work. The provider binding comes from
// the resource itself.
func (s *Service) EnqueueOrGet(ctx context.Context, resourceID int64, kind model.JobKind, params model.JobParams) (model.Job, bool, error) {
	res, err := s.dir.Get(ctx, resourceID)
	if err != nil {
		return model.Job{}, false, err
	}
	if err := s.gate.CheckBBox(res.BBox); err != nil {
		return model.Job{}, false, err
	}

	normalized, err := s.normalize(kind, params)
	if err != nil {
		return model.Job{}, false, err
	}

	job, created, err := s.ledger.Enqueue(ctx, resourceID, res.Provider, kind, normalized)
	if err != nil {
		return model.Job{}, false, err
	}
	if created {
		s.emitter.Emit(events.JobEnqueued, map[string]string{
			"job_id":      strconv.FormatInt(job.ID, 10),
			"resource_id": strconv.FormatInt(resourceID, 10),
			"provider":    res.Provider,
			"kind":        string(kind),
		})
		s.log.Info().Int64("job_id", job.ID).Str("kind", string(kind)).
			Int64("resource_id", resourceID).Msg("job enqueued")
	}
	return job, created, nil
}

func (s *Service) GetJobStatus(ctx context.Context, id int64) (model.Job, error) {
	return s.ledger.Get(ctx, id)
}

// SeriesResult is the read-path answer for a time-series request.
type SeriesResult struct {
	responsecache.SeriesPayload
	CacheHit bool       `json:"-"`
	Job      *model.Job `json:"-"`
}

// GetSeries serves a time series: cache, then materialized observations.
// When expected buckets are missing, a gap_fill job is enqueued and the
// partial result is returned and cached.
func (s *Service) GetSeries(ctx context.Context, resourceID int64, start, end model.Date, stepDays, maxCloud int) (SeriesResult, error) {
	res, err := s.dir.Get(ctx, resourceID)
	if err != nil {
		return SeriesResult{}, err
	}
	if err := s.gate.CheckBBox(res.BBox); err != nil {
		return SeriesResult{}, err
	}
	p, err := s.gate.NormalizeSeries(start, end, stepDays, maxCloud)
	if err != nil {
		return SeriesResult{}, err
	}

	if cached, err := s.respCache.GetSeries(ctx, resourceID, res.Provider, p); err != nil {
		s.log.Warn().Err(err).Msg("series cache read failed")
	} else if cached != nil {
		return SeriesResult{SeriesPayload: *cached, CacheHit: true}, nil
	}

	rows, err := s.obs.Range(ctx, resourceID, res.Provider, p.Start, p.End)
	if err != nil {
		return SeriesResult{}, fmt.Errorf("scan observations: %w", err)
	}

	missing := missingBuckets(p, rows)
	payload := responsecache.SeriesPayload{
		Observations:        rows,
		Start:               p.Start,
		End:                 p.End,
		StepDays:            p.StepDays,
		MaxCloud:            p.MaxCloud,
		IsPartial:           missing > 0,
		MissingBucketsCount: missing,
		CachedAt:            s.now().UTC(),
	}

	result := SeriesResult{SeriesPayload: payload}
	if missing > 0 {
		job, _, err := s.EnqueueOrGet(ctx, resourceID, model.KindGapFill, model.SeriesJobParams(p))
		if err != nil {
			s.log.Warn().Err(err).Int64("resource_id", resourceID).Msg("gap fill enqueue failed")
		} else {
			result.Job = &job
		}
	}

	if err := s.respCache.PutSeries(ctx, resourceID, res.Provider, p, payload); err != nil {
		s.log.Warn().Err(err).Msg("series cache write failed")
	}
	return result, nil
}

// LatestResult is the read-path answer for a latest-point request. Stale is
// a property of the data's age, not of cache expiry.
type LatestResult struct {
	responsecache.LatestPayload
	CacheHit bool       `json:"-"`
	Job      *model.Job `json:"-"`
}

// GetLatest serves the newest observation. A missing or out-of-window
// observation triggers a refresh_latest job; the stale value is still
// returned.
func (s *Service) GetLatest(ctx context.Context, resourceID int64, lookbackDays, maxCloud int) (LatestResult, error) {
	res, err := s.dir.Get(ctx, resourceID)
	if err != nil {
		return LatestResult{}, err
	}
	if err := s.gate.CheckBBox(res.BBox); err != nil {
		return LatestResult{}, err
	}
	p := s.gate.NormalizeLatest(lookbackDays, maxCloud)

	if cached, err := s.respCache.GetLatest(ctx, resourceID, res.Provider, p); err != nil {
		s.log.Warn().Err(err).Msg("latest cache read failed")
	} else if cached != nil && !cached.Stale {
		return LatestResult{LatestPayload: *cached, CacheHit: true}, nil
	}

	latest, err := s.obs.Latest(ctx, resourceID, res.Provider)
	if err != nil {
		return LatestResult{}, fmt.Errorf("latest observation: %w", err)
	}

	cutoff := model.DateOf(s.now().UTC()).AddDays(-p.LookbackDays)
	stale := latest == nil || latest.BucketDate.Before(cutoff.Time)

	payload := responsecache.LatestPayload{
		Observation:  latest,
		LookbackDays: p.LookbackDays,
		MaxCloud:     p.MaxCloud,
		Stale:        stale,
		CachedAt:     s.now().UTC(),
	}

	result := LatestResult{LatestPayload: payload}
	if stale {
		job, _, err := s.EnqueueOrGet(ctx, resourceID, model.KindRefreshLatest, model.SeriesJobParams(p))
		if err != nil {
			s.log.Warn().Err(err).Int64("resource_id", resourceID).Msg("refresh enqueue failed")
		} else {
			result.Job = &job
		}
	}

	if err := s.respCache.PutLatest(ctx, resourceID, res.Provider, p, payload); err != nil {
		s.log.Warn().Err(err).Msg("latest cache write failed")
	}
	return result, nil
}

// GetOrQueueRaster returns the stored artifact when one exists. With a
// matching priorHash the caller already holds the bytes and gets an
// unchanged signal instead. When no artifact exists a render job is queued.
func (s *Service) GetOrQueueRaster(ctx context.Context, resourceID int64, target model.Date, pixelSize, maxCloud int, priorHash string) (*model.RasterArtifact, bool, *model.Job, error) {
	res, err := s.dir.Get(ctx, resourceID)
	if err != nil {
		return nil, false, nil, err
	}
	if err := s.gate.CheckBBox(res.BBox); err != nil {
		return nil, false, nil, err
	}
	p, err := s.gate.NormalizeRaster(target, pixelSize, maxCloud)
	if err != nil {
		return nil, false, nil, err
	}

	artifact, err := s.artifacts.Get(ctx, resourceID, res.Provider, p.TargetDate, p.PixelSize, p.MaxCloud)
	if err != nil {
		return nil, false, nil, fmt.Errorf("artifact lookup: %w", err)
	}
	if artifact != nil {
		if priorHash != "" && priorHash == artifact.ContentHash {
			return nil, true, nil, nil
		}
		return artifact, false, nil, nil
	}

	job, _, err := s.EnqueueOrGet(ctx, resourceID, model.KindRenderRaster, model.RasterJobParams(p))
	if err != nil {
		return nil, false, nil, err
	}
	return nil, false, &job, nil
}

// TriggerRefresh forces a refresh_latest job, rate-limited per resource by
// a redis cooldown key.
func (s *Service) TriggerRefresh(ctx context.Context, resourceID int64) (model.Job, error) {
	if _, err := s.dir.Get(ctx, resourceID); err != nil {
		return model.Job{}, err
	}

	ok, err := s.redis.SetNX(ctx, keys.Throttle(resourceID), []byte("1"), s.refreshCooldown)
	if err != nil {
		return model.Job{}, fmt.Errorf("refresh throttle: %w", err)
	}
	if !ok {
		return model.Job{}, fmt.Errorf("%w: refresh already triggered within cooldown", model.ErrThrottled)
	}

	p := s.gate.NormalizeLatest(geo.Unset, geo.Unset)
	job, _, err := s.EnqueueOrGet(ctx, resourceID, model.KindRefreshLatest, model.SeriesJobParams(p))
	return job, err
}

// normalize re-runs normalization on params supplied as a union, so values
// arriving via EnqueueOrGet obey the same bounds as the read paths.
func (s *Service) normalize(kind model.JobKind, params model.JobParams) (model.JobParams, error) {
	if err := params.Validate(kind); err != nil {
		return model.JobParams{}, fmt.Errorf("%w: %v", model.ErrInvalidRange, err)
	}
	switch kind {
	case model.KindRefreshLatest:
		return model.SeriesJobParams(s.gate.NormalizeLatest(params.Series.LookbackDays, params.Series.MaxCloud)), nil
	case model.KindGapFill, model.KindBackfill:
		p, err := s.gate.NormalizeSeries(params.Series.Start, params.Series.End, params.Series.StepDays, params.Series.MaxCloud)
		if err != nil {
			return model.JobParams{}, err
		}
		return model.SeriesJobParams(p), nil
	case model.KindRenderRaster:
		p, err := s.gate.NormalizeRaster(params.Raster.TargetDate, params.Raster.PixelSize, params.Raster.MaxCloud)
		if err != nil {
			return model.JobParams{}, err
		}
		return model.RasterJobParams(p), nil
	}
	return model.JobParams{}, fmt.Errorf("unknown job kind %q", kind)
}

// missingBuckets counts expected grid buckets with no materialized
// observation. The grid starts at p.Start and advances by StepDays.
func missingBuckets(p model.SeriesParams, rows []model.Observation) int {
	have := make(map[string]bool, len(rows))
	for _, o := range rows {
		have[o.BucketDate.String()] = true
	}
	missing := 0
	for b := p.Start; !b.After(p.End.Time); b = b.AddDays(p.StepDays) {
		if !have[b.String()] {
			missing++
		}
	}
	return missing
}
