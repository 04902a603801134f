// Package ledger is the durable record of work: one row per logical job,
// deduplicated by idempotency key. The one-active-job-per-key invariant is
// enforced by a partial unique index in sqlite, not in application logic, so
// it holds under arbitrary concurrent callers.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/keys"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
)

type Ledger struct {
	db          *sql.DB
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func New(db *sql.DB, maxAttempts int, backoff time.Duration) (*Ledger, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	l := &Ledger{db: db, maxAttempts: maxAttempts, backoff: backoff, now: time.Now}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS jobs (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id     INTEGER NOT NULL,
		provider        TEXT NOT NULL,
		kind            TEXT NOT NULL,
		params          TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		state           TEXT NOT NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL DEFAULT 3,
		last_error      TEXT,
		not_before      DATETIME,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_job
		ON jobs(idempotency_key) WHERE state IN ('queued', 'running');
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, not_before, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs(idempotency_key);
	`
	_, err := l.db.Exec(q)
	return err
}

// Enqueue inserts a queued job, or returns the matching job when one already
// covers the request. Matching order: an active (queued/running) job wins; a
// failed job still eligible for retry is resurrected back to queued rather
// than duplicated. Returns whether a new attempt was scheduled.
func (l *Ledger) Enqueue(ctx context.Context, resourceID int64, provider string, kind model.JobKind, params model.JobParams) (model.Job, bool, error) {
	if !kind.Valid() {
		return model.Job{}, false, fmt.Errorf("invalid job kind %q", kind)
	}
	if err := params.Validate(kind); err != nil {
		return model.Job{}, false, err
	}

	key := keys.Idempotency(provider, resourceID, kind, params)
	now := l.now().UTC()

	if job, ok, err := l.findReusable(ctx, key, now); err != nil {
		return model.Job{}, false, err
	} else if ok {
		return job, false, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("marshal params: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO jobs (resource_id, provider, kind, params, idempotency_key, state, attempt_count, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		resourceID, provider, kind, string(raw), key, model.StateQueued, l.maxAttempts, now, now)
	if err != nil {
		// A concurrent caller won the insert; the partial unique index
		// guarantees an active row now exists for this key.
		if isUniqueViolation(err) {
			job, ok, ferr := l.findReusable(ctx, key, now)
			if ferr != nil {
				return model.Job{}, false, ferr
			}
			if ok {
				return job, false, nil
			}
		}
		return model.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Job{}, false, err
	}
	job, err := l.Get(ctx, id)
	if err != nil {
		return model.Job{}, false, err
	}
	observability.ObserveJob(string(kind), provider, string(model.StateQueued))
	return job, true, nil
}

// findReusable returns an existing job that already covers the key: active,
// or failed with retry budget left (which it flips back to queued).
func (l *Ledger) findReusable(ctx context.Context, key string, now time.Time) (model.Job, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, state FROM jobs
		WHERE idempotency_key = ?
		  AND (state IN ('queued', 'running')
		       OR (state = 'failed' AND attempt_count < max_attempts))
		ORDER BY created_at DESC LIMIT 1`, key)

	var (
		id    int64
		state string
	)
	err := row.Scan(&id, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("lookup job by key: %w", err)
	}

	if model.JobState(state) == model.StateFailed {
		// Resurrect: the retry keeps the attempt bookkeeping of the
		// original row instead of spawning a duplicate.
		_, err := l.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = 'failed'`,
			model.StateQueued, now, id)
		if err != nil {
			return model.Job{}, false, fmt.Errorf("resurrect job %d: %w", id, err)
		}
	}

	job, err := l.Get(ctx, id)
	if err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

// ClaimNext atomically picks the oldest eligible job and marks it running.
// Eligible means queued, or failed with retry budget left and its backoff
// window elapsed. Returns nil when nothing is ready.
func (l *Ledger) ClaimNext(ctx context.Context) (*model.Job, error) {
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE (state = 'queued' OR (state = 'failed' AND attempt_count < max_attempts))
		  AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at LIMIT 1`, now)

	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ?`, model.StateRunning, now, id)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ReleaseClaim puts a running job back to queued without charging the
// attempt, delaying the next claim slightly. Used when the dispatch lock is
// contended: that is transient, not a failure.
func (l *Ledger) ReleaseClaim(ctx context.Context, id int64, delay time.Duration) error {
	now := l.now().UTC()
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempt_count = attempt_count - 1, not_before = ?, updated_at = ?
		WHERE id = ? AND state = 'running'`,
		model.StateQueued, now.Add(delay), now, id)
	if err != nil {
		return fmt.Errorf("release claim %d: %w", id, err)
	}
	return nil
}

func (l *Ledger) MarkSucceeded(ctx context.Context, id int64) error {
	now := l.now().UTC()
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		model.StateSucceeded, now, id)
	if err != nil {
		return fmt.Errorf("mark succeeded %d: %w", id, err)
	}
	return nil
}

// MarkFailed records the sanitized error and schedules the retry backoff.
// Once attempt_count reaches max_attempts the failed state is terminal: no
// claim or resurrection will touch the row again.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, lastError string) error {
	now := l.now().UTC()
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_error = ?, not_before = ?, updated_at = ?
		WHERE id = ?`,
		model.StateFailed, truncateError(lastError), now.Add(l.nextBackoff(ctx, id)), now, id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

func (l *Ledger) nextBackoff(ctx context.Context, id int64) time.Duration {
	var attempts int
	if err := l.db.QueryRowContext(ctx, `SELECT attempt_count FROM jobs WHERE id = ?`, id).Scan(&attempts); err != nil {
		return l.backoff
	}
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * l.backoff
}

func (l *Ledger) Get(ctx context.Context, id int64) (model.Job, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, resource_id, provider, kind, params, idempotency_key, state,
		       attempt_count, max_attempts, last_error, not_before, created_at, updated_at
		FROM jobs WHERE id = ?`, id)

	var (
		j         model.Job
		raw       string
		lastErr   sql.NullString
		notBefore sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ResourceID, &j.Provider, &j.Kind, &raw, &j.IdempotencyKey,
		&j.State, &j.AttemptCount, &j.MaxAttempts, &lastErr, &notBefore, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("scan job %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(raw), &j.Params); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal params of job %d: %w", id, err)
	}
	if lastErr.Valid {
		j.LastError = lastErr.String
	}
	if notBefore.Valid {
		j.NotBefore = notBefore.Time
	}
	return j, nil
}

// CountActive returns how many active rows exist for a key. The partial
// unique index should keep this at zero or one.
func (l *Ledger) CountActive(ctx context.Context, key string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE idempotency_key = ? AND state IN ('queued', 'running')`,
		key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

const maxErrorLen = 512

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}

// isUniqueViolation matches the driver's typed error codes, not message
// text. The partial index raises SQLITE_CONSTRAINT_UNIQUE.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
