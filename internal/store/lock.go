package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	minLockTTL = 5 * time.Second
	// perRecordLockTTL extends the lock by one second per hundred records.
	perRecordLockTTL = 10 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held account lock.
type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// LockManager hands out owner-token locks on Redis keys.
type LockManager struct {
	client redis.UniversalClient
}

// NewLockManager creates a LockManager over client.
func NewLockManager(client redis.UniversalClient) *LockManager {
	return &LockManager{client: client}
}

// LockTTL is the expiry of a lock protecting a batch of sizeHint records.
func LockTTL(sizeHint int) time.Duration {
	ttl := minLockTTL + time.Duration(sizeHint)*perRecordLockTTL
	if ttl < minLockTTL {
		return minLockTTL
	}
	return ttl
}

// Acquire takes the lock at resource without blocking. It returns ErrLockBusy
// when the lock is held by someone else.
func (m *LockManager) Acquire(ctx context.Context, resource string, sizeHint int) (*Lock, error) {
	lock := &Lock{
		Key:   resource,
		Token: uuid.New().String(),
		TTL:   LockTTL(sizeHint),
	}

	ok, err := m.client.SetNX(ctx, resource, lock.Token, lock.TTL).Result()
	if err != nil {
		return nil, backendErr("setnx", resource, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return lock, nil
}

// Release deletes the lock only if it is still owned by lock's token. It
// reports whether the lock was deleted.
func (m *LockManager) Release(ctx context.Context, lock *Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, m.client, []string{lock.Key}, lock.Token).Int64()
	if err != nil {
		return false, backendErr("release", lock.Key, err)
	}
	return n == 1, nil
}
