package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/responsecache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/engine"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/keys"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/ledger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/lock"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/resource"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/store"
)

// fakeEngine scripts provider behavior per test.
type fakeEngine struct {
	seriesPoints []model.Point
	seriesErr    error
	seriesCalls  atomic.Int32

	latestPoint *model.Point
	latestErr   error

	renderBytes []byte
	renderErr   error
	renderCalls atomic.Int32
}

func (f *fakeEngine) FetchSeries(context.Context, model.BBox, model.Date, model.Date, int, int) ([]model.Point, error) {
	f.seriesCalls.Add(1)
	return f.seriesPoints, f.seriesErr
}

func (f *fakeEngine) FetchLatest(context.Context, model.BBox, int, int) (*model.Point, error) {
	return f.latestPoint, f.latestErr
}

func (f *fakeEngine) Render(context.Context, model.BBox, model.Date, int, int) ([]byte, error) {
	f.renderCalls.Add(1)
	return f.renderBytes, f.renderErr
}

type fixture struct {
	w     *Worker
	led   *ledger.Ledger
	obs   *store.Observations
	arts  *store.Artifacts
	cache *responsecache.Cache
	locks *lock.Dispatch
	eng   *fakeEngine
	farm  model.Resource
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rc, err := rediscache.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("rediscache: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	led, err := ledger.New(db, 3, time.Minute)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	dir, err := resource.NewSQL(db)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	obs, err := store.NewObservations(db)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	arts, err := store.NewArtifacts(db)
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}

	farm, err := dir.Create(context.Background(), "worker farm", "fake",
		model.BBox{West: 13.0, South: 55.5, East: 13.1, North: 55.6})
	if err != nil {
		t.Fatalf("create farm: %v", err)
	}

	eng := &fakeEngine{}
	reg := engine.NewRegistry()
	reg.Register("fake", eng)

	cache := responsecache.New(rc, time.Hour, 10*time.Minute)
	locks := lock.New(rc, time.Minute)

	w := New(Options{
		Ledger:        led,
		Directory:     dir,
		Engines:       reg,
		Observations:  obs,
		Artifacts:     arts,
		ResponseCache: cache,
		Locks:         locks,
		Logger:        zerolog.Nop(),
	})

	return &fixture{w: w, led: led, obs: obs, arts: arts, cache: cache, locks: locks, eng: eng, farm: farm, mr: mr}
}

func (f *fixture) enqueueAndClaim(t *testing.T, kind model.JobKind, params model.JobParams) model.Job {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.led.Enqueue(ctx, f.farm.ID, "fake", kind, params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := f.led.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	return *job
}

func gapFillParams() model.JobParams {
	return model.SeriesJobParams(model.SeriesParams{
		Start:    model.NewDate(2026, 6, 1),
		End:      model.NewDate(2026, 7, 1),
		StepDays: 7,
		MaxCloud: 30,
	})
}

func point(day int, mean float64) model.Point {
	return model.Point{BucketDate: model.NewDate(2026, 6, day), Mean: mean}
}

func TestGapFillMaterializesAndInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.seriesPoints = []model.Point{point(1, 0.4), point(8, 0.5)}

	// Pre-populate a series cache entry that the fill must invalidate.
	p := *gapFillParams().Series
	if err := f.cache.PutSeries(ctx, f.farm.ID, "fake", p, responsecache.SeriesPayload{IsPartial: true}); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	job := f.enqueueAndClaim(t, model.KindGapFill, gapFillParams())
	f.w.Execute(ctx, job)

	got, err := f.led.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.StateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", got.State, got.LastError)
	}

	rows, err := f.obs.Range(ctx, f.farm.ID, "fake", p.Start, p.End)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	cached, err := f.cache.GetSeries(ctx, f.farm.ID, "fake", p)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if cached != nil {
		t.Fatal("series cache not invalidated after gap fill")
	}
}

func TestGapFillRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.seriesPoints = []model.Point{point(1, 0.4), point(8, 0.5)}

	job := f.enqueueAndClaim(t, model.KindGapFill, gapFillParams())
	f.w.Execute(ctx, job)

	// Run identical work again: one row per bucket, values overwritten.
	f.eng.seriesPoints = []model.Point{point(1, 0.45), point(8, 0.5)}
	job2 := f.enqueueAndClaim(t, model.KindGapFill, gapFillParams())
	f.w.Execute(ctx, job2)

	p := *gapFillParams().Series
	rows, err := f.obs.Range(ctx, f.farm.ID, "fake", p.Start, p.End)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d after re-run, want 2", len(rows))
	}
	if rows[0].Mean != 0.45 {
		t.Fatalf("re-run did not overwrite: mean = %v", rows[0].Mean)
	}
}

func TestRefreshLatestWritesThroughCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := model.Point{BucketDate: model.DateOf(time.Now().UTC()).AddDays(-2), Mean: 0.7}
	f.eng.latestPoint = &fresh

	params := model.SeriesJobParams(model.SeriesParams{LookbackDays: 14, MaxCloud: 30})
	job := f.enqueueAndClaim(t, model.KindRefreshLatest, params)
	f.w.Execute(ctx, job)

	got, err := f.led.Get(ctx, job.ID)
	if err != nil || got.State != model.StateSucceeded {
		t.Fatalf("job = %+v, %v", got, err)
	}

	latest, err := f.obs.Latest(ctx, f.farm.ID, "fake")
	if err != nil || latest == nil || latest.Mean != 0.7 {
		t.Fatalf("latest = %+v, %v", latest, err)
	}

	cached, err := f.cache.GetLatest(ctx, f.farm.ID, "fake", *params.Series)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if cached == nil || cached.Observation == nil || cached.Observation.Mean != 0.7 {
		t.Fatalf("cached = %+v", cached)
	}
	if cached.Stale {
		t.Fatal("two-day-old point flagged stale at 14-day lookback")
	}
}

func TestRefreshLatestNoUpstreamData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.latestPoint = nil

	params := model.SeriesJobParams(model.SeriesParams{LookbackDays: 14, MaxCloud: 30})
	job := f.enqueueAndClaim(t, model.KindRefreshLatest, params)
	f.w.Execute(ctx, job)

	got, err := f.led.Get(ctx, job.ID)
	if err != nil || got.State != model.StateSucceeded {
		t.Fatalf("job = %+v, %v", got, err)
	}

	cached, err := f.cache.GetLatest(ctx, f.farm.ID, "fake", *params.Series)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if cached == nil || !cached.Stale || cached.Observation != nil {
		t.Fatalf("cached = %+v, want stale empty payload", cached)
	}
}

func TestRenderRasterStoresArtifactWithStableHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.renderBytes = []byte("png-payload")

	params := model.RasterJobParams(model.RasterParams{
		TargetDate: model.NewDate(2026, 8, 1), PixelSize: 512, MaxCloud: 30,
	})
	job := f.enqueueAndClaim(t, model.KindRenderRaster, params)
	f.w.Execute(ctx, job)

	art, err := f.arts.Get(ctx, f.farm.ID, "fake", model.NewDate(2026, 8, 1), 512, 30)
	if err != nil || art == nil {
		t.Fatalf("artifact = %+v, %v", art, err)
	}
	firstHash := art.ContentHash

	// Re-render identical bytes: hash stays stable.
	job2 := f.enqueueAndClaim(t, model.KindRenderRaster, params)
	f.w.Execute(ctx, job2)

	art2, err := f.arts.Get(ctx, f.farm.ID, "fake", model.NewDate(2026, 8, 1), 512, 30)
	if err != nil || art2 == nil {
		t.Fatalf("artifact 2 = %+v, %v", art2, err)
	}
	if art2.ContentHash != firstHash {
		t.Fatalf("hash changed on identical re-render: %s != %s", art2.ContentHash, firstHash)
	}
}

func TestUpstreamFailureMarksFailedWithSanitizedError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.seriesErr = errors.New("series status 503: upstream exploded")

	job := f.enqueueAndClaim(t, model.KindGapFill, gapFillParams())
	f.w.Execute(ctx, job)

	got, err := f.led.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.LastError == "" {
		t.Fatal("failed job carries no error")
	}
}

func TestContendedLockRequeuesWithoutAttemptCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.led.Enqueue(ctx, f.farm.ID, "fake", model.KindGapFill, gapFillParams()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := f.led.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}

	// Someone else holds the dispatch lock for this key.
	if _, err := f.locks.Acquire(ctx, keys.Lock(job.IdempotencyKey)); err != nil {
		t.Fatalf("foreign acquire: %v", err)
	}

	f.w.Execute(ctx, *job)

	got, err := f.led.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.StateQueued || got.AttemptCount != 0 {
		t.Fatalf("job = state %s attempts %d, want queued/0", got.State, got.AttemptCount)
	}
	if f.eng.seriesCalls.Load() != 0 {
		t.Fatal("engine called despite contended lock")
	}
}

func TestLostLockMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.seriesPoints = []model.Point{point(1, 0.4)}

	job := f.enqueueAndClaim(t, model.KindGapFill, gapFillParams())

	// Expire the lock mid-execution: run the steps Execute performs, but
	// fast-forward past the TTL between acquire and release.
	token, err := f.locks.Acquire(ctx, keys.Lock(job.IdempotencyKey))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.mr.FastForward(2 * time.Minute)

	if err := f.locks.Release(ctx, keys.Lock(job.IdempotencyKey), token); !errors.Is(err, model.ErrLockLost) {
		t.Fatalf("release = %v, want ErrLockLost", err)
	}
}

func TestExecuteFailsJobWhenLockExpiresBeforeRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The engine callback expires the lock while the job is running.
	f.eng.renderBytes = []byte("png")
	f.eng.renderErr = nil
	job := f.enqueueAndClaim(t, model.KindRenderRaster, model.RasterJobParams(model.RasterParams{
		TargetDate: model.NewDate(2026, 8, 1), PixelSize: 512, MaxCloud: 30,
	}))

	expire := &expiringEngine{inner: f.eng, mr: f.mr}
	reg := engine.NewRegistry()
	reg.Register("fake", expire)
	f.w.engines = reg

	f.w.Execute(ctx, job)

	got, err := f.led.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != model.StateFailed {
		t.Fatalf("state = %s, want failed after lost lock", got.State)
	}
}

// expiringEngine simulates an execution that outlives the lock TTL.
type expiringEngine struct {
	inner *fakeEngine
	mr    *miniredis.Miniredis
}

func (e *expiringEngine) FetchSeries(ctx context.Context, b model.BBox, s, en model.Date, st, mc int) ([]model.Point, error) {
	e.mr.FastForward(2 * time.Minute)
	return e.inner.FetchSeries(ctx, b, s, en, st, mc)
}

func (e *expiringEngine) FetchLatest(ctx context.Context, b model.BBox, l, mc int) (*model.Point, error) {
	e.mr.FastForward(2 * time.Minute)
	return e.inner.FetchLatest(ctx, b, l, mc)
}

func (e *expiringEngine) Render(ctx context.Context, b model.BBox, d model.Date, p, mc int) ([]byte, error) {
	e.mr.FastForward(2 * time.Minute)
	return e.inner.Render(ctx, b, d, p, mc)
}

func TestRunLoopStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.w.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
