package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
)

type Observations struct {
	db *sql.DB
}

func NewObservations(db *sql.DB) (*Observations, error) {
	s := &Observations{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate observations: %w", err)
	}
	return s, nil
}

func (s *Observations) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS observations (
		resource_id    INTEGER NOT NULL,
		provider       TEXT NOT NULL,
		bucket_date    TEXT NOT NULL,
		mean           REAL NOT NULL,
		min            REAL,
		max            REAL,
		sample_count   INTEGER,
		cloud_fraction REAL,
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL,
		PRIMARY KEY (resource_id, provider, bucket_date)
	);
	CREATE INDEX IF NOT EXISTS idx_observations_bucket ON observations(provider, bucket_date);
	`
	_, err := s.db.Exec(q)
	return err
}

// Upsert writes the observation, overwriting any previous value for the same
// (resource, provider, bucket date). Re-running a job for a bucket never
// creates a duplicate.
func (s *Observations) Upsert(ctx context.Context, o model.Observation) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (resource_id, provider, bucket_date, mean, min, max, sample_count, cloud_fraction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id, provider, bucket_date) DO UPDATE SET
			mean = excluded.mean,
			min = excluded.min,
			max = excluded.max,
			sample_count = excluded.sample_count,
			cloud_fraction = excluded.cloud_fraction,
			updated_at = excluded.updated_at`,
		o.ResourceID, o.Provider, o.BucketDate.String(), o.Mean,
		o.Min, o.Max, o.SampleCount, o.CloudFraction, now, now)
	if err != nil {
		return fmt.Errorf("upsert observation %d/%s/%s: %w", o.ResourceID, o.Provider, o.BucketDate, err)
	}
	return nil
}

// Range returns observations within [start, end], ordered by bucket date.
func (s *Observations) Range(ctx context.Context, resourceID int64, provider string, start, end model.Date) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, provider, bucket_date, mean, min, max, sample_count, cloud_fraction
		FROM observations
		WHERE resource_id = ? AND provider = ? AND bucket_date >= ? AND bucket_date <= ?
		ORDER BY bucket_date`,
		resourceID, provider, start.String(), end.String())
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Latest returns the most recent observation for the pair, or nil when none
// exists.
func (s *Observations) Latest(ctx context.Context, resourceID int64, provider string) (*model.Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource_id, provider, bucket_date, mean, min, max, sample_count, cloud_fraction
		FROM observations
		WHERE resource_id = ? AND provider = ?
		ORDER BY bucket_date DESC LIMIT 1`,
		resourceID, provider)

	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(r rowScanner) (model.Observation, error) {
	var (
		o      model.Observation
		bucket string
		min    sql.NullFloat64
		max    sql.NullFloat64
		count  sql.NullInt64
		cloud  sql.NullFloat64
	)
	if err := r.Scan(&o.ResourceID, &o.Provider, &bucket, &o.Mean, &min, &max, &count, &cloud); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Observation{}, err
		}
		return model.Observation{}, fmt.Errorf("scan observation: %w", err)
	}
	d, err := model.ParseDate(bucket)
	if err != nil {
		return model.Observation{}, err
	}
	o.BucketDate = d
	if min.Valid {
		o.Min = &min.Float64
	}
	if max.Valid {
		o.Max = &max.Float64
	}
	if count.Valid {
		o.SampleCount = &count.Int64
	}
	if cloud.Valid {
		o.CloudFraction = &cloud.Float64
	}
	return o, nil
}
