package auth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atriumhq/atrium/internal/observability"
)

var (
	// ErrRevoked reports a token whose ID is on the revocation list.
	ErrRevoked = errors.New("auth: token revoked")

	// ErrRevocationUnavailable reports that the revocation snapshot is too
	// stale to trust and the set is configured to fail closed.
	ErrRevocationUnavailable = errors.New("auth: revocation data unavailable")
)

// RevocationSource lists the token IDs currently revoked.
type RevocationSource interface {
	ListRevoked(ctx context.Context) ([]string, error)
}

// RedisRevocationSource reads revoked token IDs from Redis. Each revoked
// token is a key named revoked:<token id>; the identity provider writes
// them with a TTL matching the token's remaining lifetime.
type RedisRevocationSource struct {
	client *redis.Client
	prefix string
}

// NewRedisRevocationSource builds a source over an existing Redis client.
// An empty prefix falls back to "revoked:".
func NewRedisRevocationSource(client *redis.Client, prefix string) *RedisRevocationSource {
	if prefix == "" {
		prefix = "revoked:"
	}
	return &RedisRevocationSource{client: client, prefix: prefix}
}

// ListRevoked scans for revoked token IDs.
func (r *RedisRevocationSource) ListRevoked(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

type revocationSnapshot struct {
	ids map[string]struct{}
	at  time.Time
}

// Set holds an in-memory snapshot of the revocation list, refreshed on a
// fixed interval. Lookups read the snapshot through an atomic pointer, so
// the hot path costs one pointer load and one map probe regardless of
// what the sync loop is doing.
type Set struct {
	source   RevocationSource
	interval time.Duration
	failOpen bool
	snap     atomic.Pointer[revocationSnapshot]
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewSet builds a revocation set. Call Sync once at startup, then run
// Run in a goroutine to keep the snapshot fresh.
func NewSet(source RevocationSource, interval time.Duration, failOpen bool, logger *observability.Logger, metrics *observability.Metrics) *Set {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Set{
		source:   source,
		interval: interval,
		failOpen: failOpen,
		logger:   logger,
		metrics:  metrics,
	}
}

// Sync fetches the revocation list and swaps in a fresh snapshot.
func (s *Set) Sync(ctx context.Context) error {
	ids, err := s.source.ListRevoked(ctx)
	if err != nil {
		return err
	}
	snap := &revocationSnapshot{ids: make(map[string]struct{}, len(ids)), at: time.Now()}
	for _, id := range ids {
		if id != "" {
			snap.ids[id] = struct{}{}
		}
	}
	s.snap.Store(snap)
	if s.metrics != nil {
		s.metrics.SetRevocationAge(0)
	}
	return nil
}

// Run refreshes the snapshot on the configured interval until the context
// is canceled. Sync failures are logged and retried on the next tick; the
// previous snapshot stays in place, and Check enforces the staleness
// policy against its age.
func (s *Set) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				if s.logger != nil {
					s.logger.Warn(ctx, "Revocation sync failed", "error", err)
				}
				if s.metrics != nil {
					s.metrics.RecordError("gateway", "revocation_sync")
					if snap := s.snap.Load(); snap != nil {
						s.metrics.SetRevocationAge(time.Since(snap.at).Seconds())
					}
				}
			}
		}
	}
}

// Check reports whether the given token ID may proceed. A nil error means
// the token is not revoked. With failOpen the snapshot keeps serving however
// stale it gets, so a token already on the list stays rejected even while
// Redis is down. Failing closed, a snapshot older than three sync intervals
// returns ErrRevocationUnavailable and the gateway rejects the request.
func (s *Set) Check(tokenID string) error {
	snap := s.snap.Load()
	if snap == nil {
		if s.failOpen {
			return nil
		}
		return ErrRevocationUnavailable
	}
	if !s.failOpen && time.Since(snap.at) > 3*s.interval {
		return ErrRevocationUnavailable
	}
	if tokenID == "" {
		return nil
	}
	if _, revoked := snap.ids[tokenID]; revoked {
		return ErrRevoked
	}
	return nil
}
