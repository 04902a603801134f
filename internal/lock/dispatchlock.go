// Package lock implements the dispatch lock: a non-blocking, TTL-bounded
// mutual exclusion primitive keyed by a job's idempotency key. It is the
// second safety net against duplicate upstream calls, independent of the
// ledger's active-uniqueness constraint.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
)

// releaseScript deletes the key only when the caller still holds it, so a
// worker whose lock expired cannot release a successor's lock.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

type Dispatch struct {
	cli *rediscache.Client
	ttl time.Duration
}

// New returns a dispatch lock with the given TTL. The TTL must exceed the
// worst-case expected execution time; expiry is the only recovery mechanism
// for a stuck worker.
func New(cli *rediscache.Client, ttl time.Duration) *Dispatch {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Dispatch{cli: cli, ttl: ttl}
}

// Acquire attempts to take the lock without blocking. On success it returns
// an opaque token that must be presented to Release. A held lock yields
// model.ErrLockUnavailable.
func (d *Dispatch) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := d.cli.SetNX(ctx, key, []byte(token), d.ttl)
	if err != nil {
		return "", fmt.Errorf("acquire %q: %w", key, err)
	}
	if !ok {
		observability.IncLock("contended")
		return "", fmt.Errorf("acquire %q: %w", key, model.ErrLockUnavailable)
	}
	observability.IncLock("acquired")
	return token, nil
}

// Release frees the lock. It returns model.ErrLockLost when the token no
// longer matches, meaning the TTL expired mid-execution and the job must not
// be marked succeeded.
func (d *Dispatch) Release(ctx context.Context, key, token string) error {
	n, err := d.cli.EvalInt(ctx, releaseScript, []string{key}, token)
	if err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	if n == 0 {
		observability.IncLock("lost")
		return fmt.Errorf("release %q: %w", key, model.ErrLockLost)
	}
	observability.IncLock("released")
	return nil
}

func (d *Dispatch) TTL() time.Duration { return d.ttl }
