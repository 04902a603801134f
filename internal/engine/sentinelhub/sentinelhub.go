// Package sentinelhub adapts the Sentinel Hub Statistics and Processing APIs
// to the engine contracts. Credentials never appear in returned errors; at
// most 512 bytes of an upstream body do.
package sentinelhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/engine"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/keys"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/logger"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
)

var _ engine.Provider = (*Engine)(nil)

const (
	Name = "sentinelhub"

	maxAttempts    = 3
	retryBase      = 200 * time.Millisecond
	maxBodySnippet = 512
	tokenSafety    = 60 * time.Second
	minTokenTTL    = 60 * time.Second
)

// Evalscripts sent to Sentinel Hub. The statistics script masks cloudy and
// shadowed pixels via the scene classification band; the raster script maps
// the index onto a red-yellow-green gradient.
const statisticsEvalscript = `//VERSION=3
function setup() {
  return {
    input: [{bands: ["B08", "B04", "SCL"]}],
    output: [
      { id: "ndvi", bands: 1, sampleType: "FLOAT32", statistics: true },
      { id: "dataMask", bands: 1 }
    ]
  };
}

const MASKED_SCL = [3, 8, 9, 10, 11];

function isClear(sceneClass) {
  return MASKED_SCL.indexOf(sceneClass) === -1;
}

function evaluatePixel(sample) {
  const ndvi = (sample.B08 - sample.B04) / (sample.B08 + sample.B04);
  const mask = isFinite(ndvi) && isClear(sample.SCL) ? 1 : 0;
  return { ndvi: [ndvi], dataMask: [mask] };
}`

const rasterEvalscript = `//VERSION=3
function setup() {
  return {
    input: [{bands: ["B08", "B04", "dataMask"]}],
    output: { id: "default", bands: 4 }
  };
}

function evaluatePixel(sample) {
  const ndvi = (sample.B08 - sample.B04) / (sample.B08 + sample.B04);
  const val = isFinite(ndvi) ? ndvi : -1;
  const rgb = colorBlend(val,
    [-1.0, 0.0, 0.5, 1.0],
    [
      [0.4, 0.0, 0.0],
      [0.9, 0.5, 0.0],
      [0.0, 0.6, 0.0],
      [0.0, 0.8, 0.0],
    ]
  );
  return [rgb[0], rgb[1], rgb[2], sample.dataMask];
}`

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type Engine struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	tokens       *rediscache.Client
	log          zerolog.Logger
	now          func() time.Time
	sleep        func(time.Duration)
}

func New(opts Options, tokens *rediscache.Client, log zerolog.Logger) (*Engine, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("sentinelhub: client credentials are required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://services.sentinel-hub.com"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Engine{
		baseURL:      base,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		http:         &http.Client{Timeout: timeout},
		tokens:       tokens,
		log:          log.With().Str("component", "engine.sentinelhub").Logger(),
		now:          time.Now,
		sleep:        time.Sleep,
	}, nil
}

// FetchSeries queries the Statistics API for bucketed index aggregates.
func (e *Engine) FetchSeries(ctx context.Context, box model.BBox, start, end model.Date, stepDays, maxCloud int) ([]model.Point, error) {
	payload := statisticsPayload(box, start, end, stepDays, maxCloud)
	body, err := e.postJSON(ctx, "series", e.baseURL+"/api/v1/statistics", payload)
	if err != nil {
		return nil, err
	}
	points, err := parseStatistics(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamMalformed, err)
	}
	return points, nil
}

// FetchLatest runs a single-bucket series over the lookback window and
// returns its newest point.
func (e *Engine) FetchLatest(ctx context.Context, box model.BBox, lookbackDays, maxCloud int) (*model.Point, error) {
	end := model.DateOf(e.now().UTC())
	start := end.AddDays(-lookbackDays)
	points, err := e.FetchSeries(ctx, box, start, end, lookbackDays, maxCloud)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	latest := points[0]
	for _, p := range points[1:] {
		if p.BucketDate.After(latest.BucketDate.Time) {
			latest = p
		}
	}
	return &latest, nil
}

// Render calls the Processing API and returns the encoded PNG.
func (e *Engine) Render(ctx context.Context, box model.BBox, date model.Date, pixelSize, maxCloud int) ([]byte, error) {
	payload := processPayload(box, date, pixelSize, maxCloud)
	return e.postJSON(ctx, "render", e.baseURL+"/api/v1/process", payload)
}

// postJSON authenticates, POSTs the payload and returns the raw response
// body, retrying transient upstream failures.
func (e *Engine) postJSON(ctx context.Context, op, endpoint string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	token, err := e.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			e.sleep(time.Duration(attempt-1) * retryBase)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		start := e.now()
		resp, err := e.http.Do(req)
		if err != nil {
			observability.ObserveUpstream(Name, op, "network", time.Since(start).Seconds())
			lastErr = fmt.Errorf("%w: %s request: %v", model.ErrUpstreamUnavailable, op, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		seconds := time.Since(start).Seconds()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			observability.ObserveUpstream(Name, op, "success", seconds)
			if readErr != nil {
				return nil, fmt.Errorf("%w: read %s body: %v", model.ErrUpstreamUnavailable, op, readErr)
			}
			return body, nil
		case resp.StatusCode >= 500:
			observability.ObserveUpstream(Name, op, "error", seconds)
			lastErr = upstreamError(op, resp.StatusCode, body)
			logger.FromContext(ctx, &e.log).Warn().
				Int("status", resp.StatusCode).Str("op", op).Int("attempt", attempt).
				Msg("upstream server error")
			continue
		default:
			// 4xx is not going to improve on retry.
			observability.ObserveUpstream(Name, op, "error", seconds)
			return nil, upstreamError(op, resp.StatusCode, body)
		}
	}
	return nil, lastErr
}

// accessToken returns a cached OAuth token or performs the client-credentials
// exchange. The cached TTL is shortened so a token is never served within a
// minute of expiry.
func (e *Engine) accessToken(ctx context.Context) (string, error) {
	key := keys.Token(Name, e.clientID)
	if cached, ok, err := e.tokens.Get(ctx, key); err == nil && ok {
		observability.IncCacheHit("provider_token")
		return string(cached), nil
	}
	observability.IncCacheMiss("provider_token")

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {e.clientID},
		"client_secret": {e.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := e.now()
	resp, err := e.http.Do(req)
	if err != nil {
		observability.ObserveUpstream(Name, "token", "network", time.Since(start).Seconds())
		return "", fmt.Errorf("%w: token request: %v", model.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstream(Name, "token", outcome(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Never include the body here: token endpoint errors can echo
		// the credentials back.
		return "", fmt.Errorf("%w: token exchange status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", model.ErrUpstreamMalformed, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token response missing access_token", model.ErrUpstreamMalformed)
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - tokenSafety
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	if err := e.tokens.Set(ctx, key, []byte(tok.AccessToken), ttl); err != nil {
		logger.FromContext(ctx, &e.log).Warn().Err(err).Msg("token cache write failed")
	}
	return tok.AccessToken, nil
}

func outcome(status int) string {
	if status >= 200 && status < 300 {
		return "success"
	}
	return "error"
}

func upstreamError(op string, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > maxBodySnippet {
		snippet = snippet[:maxBodySnippet]
	}
	snippet = strings.Join(strings.Fields(snippet), " ")
	if snippet == "" {
		return fmt.Errorf("%w: %s status %d", model.ErrUpstreamUnavailable, op, status)
	}
	return fmt.Errorf("%w: %s status %d: %s", model.ErrUpstreamUnavailable, op, status, snippet)
}

func statisticsPayload(box model.BBox, start, end model.Date, stepDays, maxCloud int) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"bounds": map[string]any{
				"bbox": []float64{box.West, box.South, box.East, box.North},
			},
			"data": []map[string]any{{
				"type": "sentinel-2-l2a",
				"dataFilter": map[string]any{
					"maxCloudCoverage": maxCloud,
				},
			}},
		},
		"aggregation": map[string]any{
			"timeRange": map[string]string{
				"from": start.Format("2006-01-02") + "T00:00:00Z",
				"to":   end.Format("2006-01-02") + "T23:59:59Z",
			},
			"aggregationInterval": map[string]string{"of": fmt.Sprintf("P%dD", stepDays)},
			"evalscript":          statisticsEvalscript,
		},
		"calculations": map[string]any{"default": map[string]any{}},
	}
}

func processPayload(box model.BBox, date model.Date, pixelSize, maxCloud int) map[string]any {
	day := date.Format("2006-01-02")
	return map[string]any{
		"input": map[string]any{
			"bounds": map[string]any{
				"bbox": []float64{box.West, box.South, box.East, box.North},
				"properties": map[string]string{
					"crs": "http://www.opengis.net/def/crs/OGC/1.3/CRS84",
				},
			},
			"data": []map[string]any{{
				"type": "sentinel-2-l2a",
				"dataFilter": map[string]any{
					"maxCloudCoverage": maxCloud,
				},
			}},
		},
		"output": map[string]any{
			"width":  pixelSize,
			"height": pixelSize,
			"responses": []map[string]any{{
				"identifier": "default",
				"format":     map[string]string{"type": "image/png"},
			}},
		},
		"aggregation": map[string]any{
			"timeRange": map[string]string{
				"from": day + "T00:00:00Z",
				"to":   day + "T23:59:59Z",
			},
			"evalscript": rasterEvalscript,
		},
	}
}

// statisticsResponse mirrors the subset of the Statistics API response the
// pipeline consumes.
type statisticsResponse struct {
	Data []struct {
		Interval struct {
			From string `json:"from"`
		} `json:"interval"`
		Outputs map[string]struct {
			Bands map[string]struct {
				Stats struct {
					Mean        *float64 `json:"mean"`
					Min         *float64 `json:"min"`
					Max         *float64 `json:"max"`
					SampleCount *int64   `json:"sampleCount"`
				} `json:"stats"`
			} `json:"bands"`
		} `json:"outputs"`
	} `json:"data"`
}

func parseStatistics(body []byte) ([]model.Point, error) {
	var parsed statisticsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode statistics response: %v", err)
	}

	var points []model.Point
	for _, item := range parsed.Data {
		if len(item.Interval.From) < 10 {
			continue
		}
		bucket, err := model.ParseDate(item.Interval.From[:10])
		if err != nil {
			continue
		}
		out, ok := item.Outputs["ndvi"]
		if !ok {
			out, ok = item.Outputs["default"]
		}
		if !ok {
			continue
		}
		band, ok := out.Bands["ndvi"]
		if !ok {
			band, ok = out.Bands["B0"]
		}
		if !ok {
			continue
		}
		if band.Stats.Mean == nil {
			// No usable imagery in the bucket.
			continue
		}
		points = append(points, model.Point{
			BucketDate:  bucket,
			Mean:        *band.Stats.Mean,
			Min:         band.Stats.Min,
			Max:         band.Stats.Max,
			SampleCount: band.Stats.SampleCount,
		})
	}
	return points, nil
}
