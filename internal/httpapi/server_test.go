package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/responsecache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/geo"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/ledger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/resource"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/service"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/store"
)

type fixture struct {
	srv  *httptest.Server
	obs  *store.Observations
	arts *store.Artifacts
	farm model.Resource
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

	farm, err := dir.Create(context.Background(), "api farm", "sentinelhub",
		model.BBox{West: 13.0, South: 55.5, East: 13.1, North: 55.6})
	if err != nil {
		t.Fatalf("create farm: %v", err)
	}

	svc := service.New(service.Options{
		Gate:          geo.NewGate(geo.DefaultLimits()),
		Directory:     dir,
		Ledger:        led,
		ResponseCache: responsecache.New(rc, time.Hour, 10*time.Minute),
		Observations:  obs,
		Artifacts:     arts,
		Redis:         rc,
		Logger:        zerolog.Nop(),
	})

	srv := httptest.NewServer(NewRouter(svc, zerolog.Nop()))
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, obs: obs, arts: arts, farm: farm}
}

func (f *fixture) get(t *testing.T, path string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestTimeseriesPartialResponse(t *testing.T) {
	f := newFixture(t)

	err := f.obs.Upsert(context.Background(), model.Observation{
		ResourceID: f.farm.ID, Provider: "sentinelhub",
		BucketDate: model.NewDate(2026, 6, 1), Mean: 0.5,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := f.get(t, "/farms/1/ndvi/timeseries?start=2026-06-01&end=2026-07-01&step_days=7", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Observations        []model.Observation `json:"observations"`
		IsPartial           bool                `json:"is_partial"`
		MissingBucketsCount int                 `json:"missing_buckets_count"`
		Job                 *jobBody            `json:"job"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Observations) != 1 || !out.IsPartial || out.MissingBucketsCount != 4 {
		t.Fatalf("out = %+v", out)
	}
	if out.Job == nil || out.Job.Kind != string(model.KindGapFill) {
		t.Fatalf("job = %+v", out.Job)
	}
}

func TestTimeseriesExplicitZeroCloudSurvives(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/farms/1/ndvi/timeseries?start=2026-06-01&end=2026-07-01&max_cloud=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		MaxCloud *int `json:"max_cloud"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.MaxCloud == nil || *out.MaxCloud != 0 {
		t.Fatalf("max_cloud = %v, want explicit 0", out.MaxCloud)
	}
}

func TestTimeseriesMissingStart(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/farms/1/ndvi/timeseries?end=2026-07-01", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTimeseriesInvertedRange(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/farms/1/ndvi/timeseries?start=2026-07-01&end=2026-06-01", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTimeseriesRangeQuota(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/farms/1/ndvi/timeseries?start=2020-01-01&end=2026-07-01", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s, want 422", resp.StatusCode, body)
	}
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error != "quota_exceeded" {
		t.Fatalf("body = %s", body)
	}
}

func TestUnknownFarmIs404(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/farms/999/ndvi/latest", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLatestStaleIncludesJob(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/farms/1/ndvi/latest?lookback_days=14", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Stale bool     `json:"stale"`
		Job   *jobBody `json:"job"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Stale || out.Job == nil {
		t.Fatalf("out = %+v", out)
	}
}

func TestRefreshThrottling(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/farms/1/ndvi/refresh", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first refresh = %d: %s", resp.StatusCode, body)
	}
	resp, _ = f.post(t, "/farms/1/ndvi/refresh", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second refresh = %d, want 429", resp.StatusCode)
	}
}

func TestRasterLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Not rendered yet: 202 with a job handle.
	resp, body := f.get(t, "/farms/1/ndvi/raster.png?date=2026-08-01&size=512", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("miss = %d: %s", resp.StatusCode, body)
	}
	var job jobBody
	if err := json.Unmarshal(body, &job); err != nil || job.JobID == 0 {
		t.Fatalf("job body = %s", body)
	}

	// Materialize the artifact.
	err := f.arts.Put(ctx, model.RasterArtifact{
		ResourceID: f.farm.ID, Provider: "sentinelhub",
		TargetDate: model.NewDate(2026, 8, 1), PixelSize: 512, MaxCloud: 30,
		Content: []byte("png-bytes"), ContentHash: "hash-1",
	})
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	// Served with an ETag.
	resp, body = f.get(t, "/farms/1/ndvi/raster.png?date=2026-08-01&size=512", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hit = %d", resp.StatusCode)
	}
	if string(body) != "png-bytes" || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("body = %q, type = %s", body, resp.Header.Get("Content-Type"))
	}
	etag := resp.Header.Get("ETag")
	if etag != `"hash-1"` {
		t.Fatalf("etag = %s", etag)
	}

	// Conditional fetch with the current hash: 304.
	resp, _ = f.get(t, "/farms/1/ndvi/raster.png?date=2026-08-01&size=512",
		map[string]string{"If-None-Match": etag})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional = %d, want 304", resp.StatusCode)
	}

	// Stale hash: full image again.
	resp, body = f.get(t, "/farms/1/ndvi/raster.png?date=2026-08-01&size=512",
		map[string]string{"If-None-Match": `"old-hash"`})
	if resp.StatusCode != http.StatusOK || string(body) != "png-bytes" {
		t.Fatalf("stale conditional = %d %q", resp.StatusCode, body)
	}
}

func TestRasterSizeQuota(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/farms/1/ndvi/raster.png?date=2026-08-01&size=64", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestRasterQueueEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/farms/1/ndvi/raster/queue", `{"date":"2026-08-01","size":512,"max_cloud":30}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("queue = %d: %s", resp.StatusCode, body)
	}
	var job jobBody
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.Kind != string(model.KindRenderRaster) || job.State != string(model.StateQueued) {
		t.Fatalf("job = %+v", job)
	}

	// Same request again: same job id.
	resp, body = f.post(t, "/farms/1/ndvi/raster/queue", `{"date":"2026-08-01","size":512,"max_cloud":30}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("re-queue = %d", resp.StatusCode)
	}
	var job2 jobBody
	if err := json.Unmarshal(body, &job2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job2.JobID != job.JobID {
		t.Fatalf("duplicate jobs %d and %d", job.JobID, job2.JobID)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.post(t, "/farms/1/ndvi/raster/queue", `{"date":"2026-08-01","size":512}`)
	var queued jobBody
	if err := json.Unmarshal(body, &queued); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, body := f.get(t, "/ndvi/jobs/1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var job model.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.ID != queued.JobID || job.Kind != model.KindRenderRaster {
		t.Fatalf("job = %+v", job)
	}

	resp, _ = f.get(t, "/ndvi/jobs/999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job = %d, want 404", resp.StatusCode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/healthz", map[string]string{"X-Request-ID": "req-42"})
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id = %q", got)
	}
}
