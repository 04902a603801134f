// Package model defines the value types and error taxonomy shared across the
// NDVI pipeline.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Gate-time errors. These are returned synchronously to the caller and never
// create a job.
var (
	ErrInvalidGeometry = errors.New("invalid geometry")
	ErrInvalidRange    = errors.New("invalid date range")
	ErrQuotaExceeded   = errors.New("quota exceeded")
)

// Engine-time and execution errors. These are recorded on the job and only
// surfaced via job status, never to the read-path caller.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamMalformed   = errors.New("upstream malformed response")
	ErrLockUnavailable     = errors.New("dispatch lock unavailable")
	ErrLockLost            = errors.New("dispatch lock lost")
)

var (
	ErrNotFound  = errors.New("not found")
	ErrThrottled = errors.New("throttled")
)

// Date is a calendar date (UTC, day precision). Bucket dates, range bounds
// and raster target dates are all day-granular.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(time.DateOnly) }

func (d Date) AddDays(n int) Date { return Date{d.Time.AddDate(0, 0, n)} }

// DaysUntil returns the number of whole days from d to other.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time.Sub(d.Time) / (24 * time.Hour))
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(time.DateOnly) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date literal %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// BBox is a WGS84 bounding box in decimal degrees.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Resource is the parent entity ("farm") a job is scoped to. Owned
// externally; the pipeline only ever reads it.
type Resource struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	BBox     BBox   `json:"bbox"`
	Active   bool   `json:"active"`
}

// Point is a single normalized data point as produced by a provider engine.
// The engine does not know which resource it is serving; the worker attaches
// that when materializing observations.
type Point struct {
	BucketDate    Date     `json:"bucket_date"`
	Mean          float64  `json:"mean"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	SampleCount   *int64   `json:"sample_count,omitempty"`
	CloudFraction *float64 `json:"cloud_fraction,omitempty"`
}

// Observation is one materialized data point, unique per
// (resource, provider, bucket date).
type Observation struct {
	ResourceID    int64    `json:"resource_id"`
	Provider      string   `json:"provider"`
	BucketDate    Date     `json:"bucket_date"`
	Mean          float64  `json:"mean"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	SampleCount   *int64   `json:"sample_count,omitempty"`
	CloudFraction *float64 `json:"cloud_fraction,omitempty"`
}

// FromPoint builds an Observation owned by the given resource and provider.
func FromPoint(resourceID int64, provider string, p Point) Observation {
	return Observation{
		ResourceID:    resourceID,
		Provider:      provider,
		BucketDate:    p.BucketDate,
		Mean:          p.Mean,
		Min:           p.Min,
		Max:           p.Max,
		SampleCount:   p.SampleCount,
		CloudFraction: p.CloudFraction,
	}
}

type JobKind string

const (
	KindRefreshLatest JobKind = "refresh_latest"
	KindGapFill       JobKind = "gap_fill"
	KindBackfill      JobKind = "backfill"
	KindRenderRaster  JobKind = "render_raster"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindRefreshLatest, KindGapFill, KindBackfill, KindRenderRaster:
		return true
	}
	return false
}

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// Active reports whether the state counts against the one-active-job-per-key
// invariant. A failed job pending retry is not active.
func (s JobState) Active() bool {
	return s == StateQueued || s == StateRunning
}

// SeriesParams parameterizes refresh_latest, gap_fill and backfill jobs.
// refresh_latest uses LookbackDays and MaxCloud only.
type SeriesParams struct {
	Start        Date `json:"start,omitzero"`
	End          Date `json:"end,omitzero"`
	StepDays     int  `json:"step_days,omitempty"`
	MaxCloud     int  `json:"max_cloud"`
	LookbackDays int  `json:"lookback_days,omitempty"`
}

// RasterParams parameterizes render_raster jobs. The pixel size lives in its
// own field; it never shares a slot with the series step.
type RasterParams struct {
	TargetDate Date `json:"target_date"`
	PixelSize  int  `json:"pixel_size"`
	MaxCloud   int  `json:"max_cloud"`
}

// JobParams is a tagged union: exactly one member is set, selected by the
// job kind.
type JobParams struct {
	Series *SeriesParams `json:"series,omitempty"`
	Raster *RasterParams `json:"raster,omitempty"`
}

func SeriesJobParams(p SeriesParams) JobParams { return JobParams{Series: &p} }
func RasterJobParams(p RasterParams) JobParams { return JobParams{Raster: &p} }

// Validate checks that the params member matches the kind.
func (p JobParams) Validate(kind JobKind) error {
	switch kind {
	case KindRefreshLatest, KindGapFill, KindBackfill:
		if p.Series == nil || p.Raster != nil {
			return fmt.Errorf("job kind %s requires series params", kind)
		}
	case KindRenderRaster:
		if p.Raster == nil || p.Series != nil {
			return fmt.Errorf("job kind %s requires raster params", kind)
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

// Job is one unit of asynchronous work in the ledger.
type Job struct {
	ID             int64     `json:"id"`
	ResourceID     int64     `json:"resource_id"`
	Provider       string    `json:"provider"`
	Kind           JobKind   `json:"kind"`
	Params         JobParams `json:"params"`
	IdempotencyKey string    `json:"idempotency_key"`
	State          JobState  `json:"state"`
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	NotBefore      time.Time `json:"not_before,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RasterArtifact is a rendered raster blob, content-addressed by hash and
// unique per (resource, provider, date, size, cloud threshold).
type RasterArtifact struct {
	ResourceID  int64     `json:"resource_id"`
	Provider    string    `json:"provider"`
	TargetDate  Date      `json:"target_date"`
	PixelSize   int       `json:"pixel_size"`
	MaxCloud    int       `json:"max_cloud"`
	Content     []byte    `json:"-"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}
