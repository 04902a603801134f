// Package worker claims jobs from the ledger and executes them under the
// dispatch lock. A job is only ever marked succeeded when its writes happened
// while the lock was held; losing the lock before release marks it failed.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/responsecache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/engine"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/events"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/keys"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/ledger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/lock"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/logger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/resource"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/store"
)

const (
	idlePollBase   = 500 * time.Millisecond
	idlePollJitter = 500 * time.Millisecond
	contendedDelay = 5 * time.Second
)

type Worker struct {
	ledger    *ledger.Ledger
	dir       resource.Directory
	engines   *engine.Registry
	obs       *store.Observations
	artifacts *store.Artifacts
	respCache *responsecache.Cache
	locks     *lock.Dispatch
	emitter   events.Emitter
	log       zerolog.Logger
	poll      time.Duration
	now       func() time.Time
}

type Options struct {
	Ledger        *ledger.Ledger
	Directory     resource.Directory
	Engines       *engine.Registry
	Observations  *store.Observations
	Artifacts     *store.Artifacts
	ResponseCache *responsecache.Cache
	Locks         *lock.Dispatch
	Emitter       events.Emitter
	Logger        zerolog.Logger

	// Poll is the idle polling interval. Zero means the default.
	Poll time.Duration
}

func New(o Options) *Worker {
	emitter := o.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	poll := o.Poll
	if poll <= 0 {
		poll = idlePollBase
	}
	return &Worker{
		ledger:    o.Ledger,
		dir:       o.Directory,
		engines:   o.Engines,
		obs:       o.Observations,
		artifacts: o.Artifacts,
		respCache: o.ResponseCache,
		locks:     o.Locks,
		emitter:   emitter,
		log:       o.Logger.With().Str("component", "worker").Logger(),
		poll:      poll,
		now:       time.Now,
	}
}

// Run polls the ledger until the context is cancelled. Idle polls back off
// with jitter so multiple workers do not stampede the store.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.ledger.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("claim failed")
		}
		if job != nil {
			w.Execute(ctx, *job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll + time.Duration(rand.Int63n(int64(idlePollJitter)))):
		}
	}
}

// Execute runs one claimed job to a terminal or requeued state.
func (w *Worker) Execute(ctx context.Context, job model.Job) {
	ctx = logger.WithJobID(ctx, job.ID)
	log := w.log.With().Int64("job_id", job.ID).Str("kind", string(job.Kind)).Logger()

	token, err := w.locks.Acquire(ctx, keys.Lock(job.IdempotencyKey))
	if err != nil {
		if !errors.Is(err, model.ErrLockUnavailable) {
			log.Error().Err(err).Msg("lock acquire failed")
		}
		// Another holder is executing identical work, or redis is
		// unreachable; either way hand the claim back.
		w.requeue(ctx, job, log)
		return
	}

	runErr := w.run(ctx, job)

	// Success requires having held the lock through every write. A lost
	// lock means another worker may have interleaved: the job fails even
	// when its own writes went through.
	if releaseErr := w.locks.Release(ctx, keys.Lock(job.IdempotencyKey), token); releaseErr != nil && runErr == nil {
		runErr = releaseErr
	}

	if runErr != nil {
		log.Warn().Err(runErr).Msg("job failed")
		if err := w.ledger.MarkFailed(ctx, job.ID, runErr.Error()); err != nil {
			log.Error().Err(err).Msg("mark failed errored")
		}
		observability.ObserveJob(string(job.Kind), job.Provider, string(model.StateFailed))
		w.emitter.Emit(events.JobFailed, w.attrs(job))
		return
	}

	if err := w.ledger.MarkSucceeded(ctx, job.ID); err != nil {
		log.Error().Err(err).Msg("mark succeeded errored")
		return
	}
	log.Info().Msg("job succeeded")
	observability.ObserveJob(string(job.Kind), job.Provider, string(model.StateSucceeded))
	w.emitter.Emit(events.JobSucceeded, w.attrs(job))
}

func (w *Worker) requeue(ctx context.Context, job model.Job, log zerolog.Logger) {
	if err := w.ledger.ReleaseClaim(ctx, job.ID, contendedDelay); err != nil {
		log.Error().Err(err).Msg("release claim failed")
	}
}

func (w *Worker) run(ctx context.Context, job model.Job) error {
	res, err := w.dir.Get(ctx, job.ResourceID)
	if err != nil {
		return fmt.Errorf("resolve resource %d: %w", job.ResourceID, err)
	}
	eng, err := w.engines.Lookup(job.Provider)
	if err != nil {
		return err
	}

	switch job.Kind {
	case model.KindRefreshLatest:
		return w.runRefreshLatest(ctx, job, res, eng)
	case model.KindGapFill, model.KindBackfill:
		return w.runSeriesFill(ctx, job, res, eng)
	case model.KindRenderRaster:
		return w.runRenderRaster(ctx, job, res, eng)
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

func (w *Worker) runRefreshLatest(ctx context.Context, job model.Job, res model.Resource, eng engine.Provider) error {
	p := *job.Params.Series
	point, err := eng.FetchLatest(ctx, res.BBox, p.LookbackDays, p.MaxCloud)
	if err != nil {
		return err
	}

	var latest *model.Observation
	if point != nil {
		o := model.FromPoint(res.ID, job.Provider, *point)
		if err := w.obs.Upsert(ctx, o); err != nil {
			return fmt.Errorf("upsert observation: %w", err)
		}
		latest = &o
	} else {
		// Nothing new upstream; the freshest stored value still feeds
		// the cache.
		latest, err = w.obs.Latest(ctx, res.ID, job.Provider)
		if err != nil {
			return fmt.Errorf("latest observation: %w", err)
		}
	}

	cutoff := model.DateOf(w.now().UTC()).AddDays(-p.LookbackDays)
	stale := latest == nil || latest.BucketDate.Before(cutoff.Time)
	observability.SetStale(job.Provider, stale)

	payload := responsecache.LatestPayload{
		Observation:  latest,
		LookbackDays: p.LookbackDays,
		MaxCloud:     p.MaxCloud,
		Stale:        stale,
		CachedAt:     w.now().UTC(),
	}
	if err := w.respCache.PutLatest(ctx, res.ID, job.Provider, p, payload); err != nil {
		return fmt.Errorf("latest cache write: %w", err)
	}
	return nil
}

func (w *Worker) runSeriesFill(ctx context.Context, job model.Job, res model.Resource, eng engine.Provider) error {
	p := *job.Params.Series
	points, err := eng.FetchSeries(ctx, res.BBox, p.Start, p.End, p.StepDays, p.MaxCloud)
	if err != nil {
		return err
	}
	for _, point := range points {
		if err := w.obs.Upsert(ctx, model.FromPoint(res.ID, job.Provider, point)); err != nil {
			return fmt.Errorf("upsert bucket %s: %w", point.BucketDate, err)
		}
	}

	n, err := w.respCache.InvalidateSeries(ctx, res.ID, job.Provider)
	if err != nil {
		return fmt.Errorf("series invalidation: %w", err)
	}
	if n > 0 {
		w.emitter.Emit(events.CacheInvalidated, map[string]string{
			"resource_id": strconv.FormatInt(res.ID, 10),
			"provider":    job.Provider,
			"entries":     strconv.Itoa(n),
		})
	}
	return nil
}

func (w *Worker) runRenderRaster(ctx context.Context, job model.Job, res model.Resource, eng engine.Provider) error {
	p := *job.Params.Raster
	img, err := eng.Render(ctx, res.BBox, p.TargetDate, p.PixelSize, p.MaxCloud)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(img)
	artifact := model.RasterArtifact{
		ResourceID:  res.ID,
		Provider:    job.Provider,
		TargetDate:  p.TargetDate,
		PixelSize:   p.PixelSize,
		MaxCloud:    p.MaxCloud,
		Content:     img,
		ContentHash: hex.EncodeToString(sum[:]),
	}
	if err := w.artifacts.Put(ctx, artifact); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	w.emitter.Emit(events.RasterRendered, map[string]string{
		"resource_id": strconv.FormatInt(res.ID, 10),
		"provider":    job.Provider,
		"target_date": p.TargetDate.String(),
		"hash":        artifact.ContentHash,
	})
	return nil
}

func (w *Worker) attrs(job model.Job) map[string]string {
	return map[string]string{
		"job_id":      strconv.FormatInt(job.ID, 10),
		"resource_id": strconv.FormatInt(job.ResourceID, 10),
		"provider":    job.Provider,
		"kind":        string(job.Kind),
	}
}
