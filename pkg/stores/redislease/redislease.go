// Package redislease implements device leases on Redis so that several
// srxops hosts sharing one job database never run two mutating jobs against
// the same device.
//
// A lease is a single key holding "owner|job_id" with a PX expiry. Acquire
// is a Lua script that only refreshes a key holding the same owner and job;
// renew and release compare the owner before touching the key.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/srxops/srxops/pkg/engine"
)

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "srxops:lease:"

// acquireScript sets the key when it is absent, or refreshes it when the
// same owner already holds it for the same job.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

var renewScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
	return 0
end
if string.match(cur, "^([^|]*)") ~= ARGV[1] then
	return 0
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])
`)

var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur ~= false and string.match(cur, "^([^|]*)") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the Redis lease manager.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Manager implements engine.LeaseManager on Redis.
type Manager struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ engine.LeaseManager = (*Manager)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{client: client, prefix: prefix, now: time.Now}
}

// Close closes the underlying client.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) key(deviceID string) string {
	return m.prefix + deviceID
}

// Acquire takes the lease for deviceID. A live lease held by another owner
// yields an error wrapping engine.ErrLeaseHeld; expiry is left to Redis.
func (m *Manager) Acquire(ctx context.Context, deviceID, owner, jobID string, ttl time.Duration) (*engine.Lease, error) {
	if strings.Contains(owner, "|") {
		return nil, fmt.Errorf("lease owner %q must not contain '|'", owner)
	}

	now := m.now().UTC()
	ok, err := acquireScript.Run(ctx, m.client, []string{m.key(deviceID)},
		encodeValue(owner, jobID), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok == 0 {
		holder := "another owner"
		if current, err := m.Get(ctx, deviceID); err == nil {
			holder = current.Owner
		}
		return nil, fmt.Errorf("device %s held by %s: %w", deviceID, holder, engine.ErrLeaseHeld)
	}

	return &engine.Lease{
		DeviceID:   deviceID,
		Owner:      owner,
		JobID:      jobID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Renew extends the lease if owner still holds it.
func (m *Manager) Renew(ctx context.Context, deviceID, owner string, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, m.client, []string{m.key(deviceID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("lease on device %s lost by %s: %w", deviceID, owner, engine.ErrLeaseHeld)
	}
	return nil
}

// Release deletes the lease if owner still holds it.
func (m *Manager) Release(ctx context.Context, deviceID, owner string) error {
	if err := releaseScript.Run(ctx, m.client, []string{m.key(deviceID)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current lease for a device. AcquiredAt is not tracked in
// Redis and is left zero.
func (m *Manager) Get(ctx context.Context, deviceID string) (*engine.Lease, error) {
	key := m.key(deviceID)

	pipe := m.client.Pipeline()
	val := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	if errors.Is(val.Err(), redis.Nil) {
		return nil, fmt.Errorf("lease for device %s: not found", deviceID)
	}

	owner, jobID := decodeValue(val.Val())
	return &engine.Lease{
		DeviceID:  deviceID,
		Owner:     owner,
		JobID:     jobID,
		ExpiresAt: m.now().UTC().Add(ttl.Val()),
	}, nil
}

func encodeValue(owner, jobID string) string {
	return owner + "|" + jobID
}

func decodeValue(v string) (owner, jobID string) {
	owner, jobID, _ = strings.Cut(v, "|")
	return owner, jobID
}
