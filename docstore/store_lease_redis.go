package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisLeasePrefix  = "shoplog:lease:"
	redisLeaseReleaseTimeout = 5 * time.Second
)

// RedisWriteLeaseManager keeps one key per document path, holding the owner
// token with a PX expiry, so several shoplog instances over the same backend
// admit one writer per document. Waiters poll; there is no queue.
type RedisWriteLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisWriteLeaseManager creates a Redis-backed lease manager. An empty
// prefix selects "shoplog:lease:".
func NewRedisWriteLeaseManager(client redis.UniversalClient, prefix string) (*RedisWriteLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisLeasePrefix
	}
	return &RedisWriteLeaseManager{Client: client, Prefix: prefix}, nil
}

// Acquire sets the path key only if it is absent.
func (m *RedisWriteLeaseManager) Acquire(ctx context.Context, path string, ttl time.Duration) (*WriteLease, error) {
	path, ttl, err := leaseArgs(ctx, path, ttl)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	err = m.Client.SetArgs(ctx, m.key(path), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrWriteLeaseConflict, path)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", path, err)
	}
	return &WriteLease{Path: path, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Renew pushes the key expiry out when the token still owns it. ExpiresAt is
// taken from the PTTL Redis reports after the extension.
func (m *RedisWriteLeaseManager) Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error) {
	if lease == nil || lease.Token == "" {
		return nil, invalidArgf("lease is required")
	}
	path, ttl, err := leaseArgs(ctx, lease.Path, ttl)
	if err != nil {
		return nil, err
	}

	remaining, err := redisLeaseScripts.renew.Run(ctx, m.Client, []string{m.key(path)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("renew lease %s: %w", path, err)
	}
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrWriteLeaseConflict, path)
	}
	expiresAt := time.Now().Add(time.Duration(remaining) * time.Millisecond)
	return &WriteLease{Path: path, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release deletes the key if the token still owns it. It ignores the caller's
// context so a write that was cancelled still frees the document.
func (m *RedisWriteLeaseManager) Release(_ context.Context, lease *WriteLease) error {
	if lease == nil || lease.Token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisLeaseReleaseTimeout)
	defer cancel()

	path := normalizeKey(lease.Path)
	if err := redisLeaseScripts.release.Run(ctx, m.Client, []string{m.key(path)}, lease.Token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", path, err)
	}
	return nil
}

func (m *RedisWriteLeaseManager) key(path string) string {
	return m.Prefix + path
}

// redisLeaseScripts compare the owner token before touching the key. renew
// returns the remaining PTTL, or 0 when the token no longer owns the key.
var redisLeaseScripts = struct {
	renew   *redis.Script
	release *redis.Script
}{
	renew: redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return redis.call('PTTL', KEYS[1])
`),
	release: redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`),
}
