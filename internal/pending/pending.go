// Package pending persists confirmation state between the two phases of
// a destructive tool call. A tool server answers the first invocation
// with a pending envelope; the gateway stores it here and replays it to
// the server's execute endpoint once the caller approves.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a confirmation id is unknown, already
// claimed, or expired. The gateway reports it as CONFIRMATION_EXPIRED.
var ErrNotFound = errors.New("pending action not found")

// DefaultTTL bounds how long an unapproved action survives.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "pending:"

// Action is the stored form of a pending confirmation.
type Action struct {
	ConfirmationID string `json:"confirmationId"`

	// Action tags what the execute endpoint will do, e.g. "delete_employee".
	Action string `json:"action"`

	// Server names the tool server that issued the confirmation and
	// will execute it.
	Server string `json:"server"`

	// UserID is the originating caller. Only this user may approve or
	// deny the action.
	UserID string `json:"userId"`

	// Data is the opaque confirmation payload the tool server needs to
	// execute the action. It is never sent to the LLM or the client.
	Data json.RawMessage `json:"data"`

	CreatedAt time.Time `json:"createdAt"`
}

// Store persists pending actions with a bounded lifetime.
//
// Get does not consume the entry; it exists so the gateway can verify
// the requester against the originator before anything is deleted.
// Claim atomically removes and returns the entry, so concurrent
// approvals resolve to exactly one execution.
type Store interface {
	Put(ctx context.Context, action *Action) error
	Get(ctx context.Context, id string) (*Action, error)
	Claim(ctx context.Context, id string) (*Action, error)
}

// RedisStore keeps pending actions in Redis under pending:{id} with a
// TTL, so expiry needs no sweeper and restarts lose nothing the TTL
// would not.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store writing through the given client. A
// non-positive ttl falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, action *Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encoding pending action: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+action.ConfirmationID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing pending action: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Action, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending action: %w", err)
	}
	return decodeAction(data)
}

// Claim uses GETDEL so that of any number of concurrent claims for the
// same id, exactly one receives the action.
func (s *RedisStore) Claim(ctx context.Context, id string) (*Action, error) {
	data, err := s.client.GetDel(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claiming pending action: %w", err)
	}
	return decodeAction(data)
}

func decodeAction(data []byte) (*Action, error) {
	var action Action
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("decoding pending action: %w", err)
	}
	return &action, nil
}

// MemoryStore is a process-local Store for tests and single-instance
// deployments. Expired entries are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	action    *Action
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Put(ctx context.Context, action *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[action.ConfirmationID] = memoryEntry{
		action:    action,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id, false)
}

func (s *MemoryStore) Claim(ctx context.Context, id string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id, true)
}

// lookup returns the live entry for id, deleting it when consume is
// set. Caller must hold the lock.
func (s *MemoryStore) lookup(id string, consume bool) (*Action, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, id)
		return nil, ErrNotFound
	}
	if consume {
		delete(s.entries, id)
	}
	return entry.action, nil
}
