package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/rs/zerolog/log"
)

// ErrNotLeader means another replica holds the sweep lock.
var ErrNotLeader = errors.New("sweep_lock_held")

type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

type redisLocker struct {
	mutex *redsync.Mutex
}

// NewRedisLocker returns a Locker backed by a redsync mutex named name. The
// lock expires after ttl so a crashed holder cannot stall sweeping.
func NewRedisLocker(client *redis.Client, name string, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	rs := redsync.New(goredis.NewPool(client))
	return &redisLocker{
		mutex: rs.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1)),
	}
}

func (l *redisLocker) Lock(ctx context.Context) (func(), error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		return nil, errors.Join(ErrNotLeader, err)
	}
	return func() {
		if ok, err := l.mutex.UnlockContext(context.Background()); !ok || err != nil {
			log.Warn().Err(err).Str("mutex", l.mutex.Name()).Msg("release sweep lock failed")
		}
	}, nil
}
