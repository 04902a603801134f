// Package resource resolves farm parcels: their geometry, provider binding
// and active flag. The directory backs both the HTTP read path and the
// scheduled sweeps, so lookups go through a small in-process TTL cache.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
)

// Directory looks up parcels by id and enumerates those eligible for
// scheduled refresh.
type Directory interface {
	Get(ctx context.Context, id int64) (model.Resource, error)
	ListActive(ctx context.Context) ([]model.Resource, error)
}

// SQLDirectory stores parcels in the same sqlite database as the ledger.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) (*SQLDirectory, error) {
	d := &SQLDirectory{db: db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate farms: %w", err)
	}
	return d, nil
}

func (d *SQLDirectory) migrate() error {
	_, err := d.db.Exec(`
	CREATE TABLE IF NOT EXISTS farms (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		provider   TEXT NOT NULL,
		west       REAL NOT NULL,
		south      REAL NOT NULL,
		east       REAL NOT NULL,
		north      REAL NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_farms_active ON farms(active);
	`)
	return err
}

// Create registers a parcel and returns it with its assigned id.
func (d *SQLDirectory) Create(ctx context.Context, name, provider string, box model.BBox) (model.Resource, error) {
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO farms (name, provider, west, south, east, north, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		name, provider, box.West, box.South, box.East, box.North, now)
	if err != nil {
		return model.Resource{}, fmt.Errorf("insert farm: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Resource{}, err
	}
	return d.Get(ctx, id)
}

// Deactivate removes a parcel from sweep eligibility without deleting it.
func (d *SQLDirectory) Deactivate(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE farms SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate farm %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("farm %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func (d *SQLDirectory) Get(ctx context.Context, id int64) (model.Resource, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, provider, west, south, east, north, active
		FROM farms WHERE id = ?`, id)

	var (
		r      model.Resource
		active int
	)
	err := row.Scan(&r.ID, &r.Name, &r.Provider,
		&r.BBox.West, &r.BBox.South, &r.BBox.East, &r.BBox.North, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Resource{}, fmt.Errorf("farm %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Resource{}, fmt.Errorf("scan farm %d: %w", id, err)
	}
	r.Active = active != 0
	return r, nil
}

func (d *SQLDirectory) ListActive(ctx context.Context) ([]model.Resource, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, provider, west, south, east, north, active
		FROM farms WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active farms: %w", err)
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var (
			r      model.Resource
			active int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Provider,
			&r.BBox.West, &r.BBox.South, &r.BBox.East, &r.BBox.North, &active); err != nil {
			return nil, fmt.Errorf("scan farm: %w", err)
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cached wraps a Directory with a TTL'd LRU so the hot read path does not
// hit sqlite on every request. Negative results are not cached: a missing
// parcel stays a cheap lookup and a freshly created one is visible at once.
type Cached struct {
	inner Directory
	lru   *expirable.LRU[int64, model.Resource]
}

func NewCached(inner Directory, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{
		inner: inner,
		lru:   expirable.NewLRU[int64, model.Resource](size, nil, ttl),
	}
}

func (c *Cached) Get(ctx context.Context, id int64) (model.Resource, error) {
	if r, ok := c.lru.Get(id); ok {
		return r, nil
	}
	r, err := c.inner.Get(ctx, id)
	if err != nil {
		return model.Resource{}, err
	}
	c.lru.Add(id, r)
	return r, nil
}

// ListActive always goes to the source: the sweep runs rarely and must see
// deactivations immediately.
func (c *Cached) ListActive(ctx context.Context) ([]model.Resource, error) {
	return c.inner.ListActive(ctx)
}
