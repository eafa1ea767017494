package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FacilityLocker serialises batch ingestion per facility. Concurrent batches
// for the same facility read-then-write the same lot and snapshot rows, so
// they must not interleave; database row locking remains the safety net when
// redis is unavailable.
type FacilityLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewFacilityLocker constructs a locker. ttl bounds how long a crashed worker
// can hold a facility; wait bounds how long Acquire polls before giving up.
func NewFacilityLocker(client *redis.Client, ttl, wait time.Duration) *FacilityLocker {
	return &FacilityLocker{client: client, ttl: ttl, wait: wait}
}

func facilityLockKey(facilityID uuid.UUID) string {
	return fmt.Sprintf("ledger:facility:%s:lock", facilityID)
}

// Acquire takes the per-facility lock, polling until wait elapses. The
// returned release function is safe to call even after the TTL expired: the
// lock token guards against releasing a lock another batch has since taken.
func (l *FacilityLocker) Acquire(ctx context.Context, facilityID uuid.UUID) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := facilityLockKey(facilityID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("shared: facility lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)
