package tariff

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
)

// RedisSync announces tariff updates over Redis pub/sub so every node drops
// its cached copy.
type RedisSync struct {
	client  *redis.Client
	channel string
}

func NewRedisSync(client *redis.Client, channel string) *RedisSync {
	return &RedisSync{client: client, channel: channel}
}

func (r *RedisSync) Broadcast(ctx context.Context) error {
	return apperr.Dependency("tariff broadcast", r.client.Publish(ctx, r.channel, "updated").Err())
}

// Listen invalidates s on every announcement until ctx is done. The updating
// node hears its own message too, which only costs one repository read.
func (r *RedisSync) Listen(ctx context.Context, s *Store) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return apperr.Dependency("tariff subscribe", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			s.Invalidate()
		}
	}
}
