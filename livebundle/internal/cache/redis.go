package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces every Redis key written by the backend.
const KeyPrefix = "livebundle:"

// Redis is a Backend shared between server replicas.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and pings it.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &Redis{client: c}, nil
}

func redisKey(k Key) string {
	return KeyPrefix + k.String()
}

func (r *Redis) Load(ctx context.Context, k Key) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, redisKey(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Store(ctx context.Context, k Key, v []byte, ttl time.Duration) error {
	return r.client.Set(ctx, redisKey(k), v, ttl).Err()
}

// DeleteInstance removes both tiers with SCAN + DEL; instance ids cannot
// contain ':' or glob characters, so the pattern matches only this instance.
func (r *Redis) DeleteInstance(ctx context.Context, id string) error {
	var cursor uint64
	pattern := KeyPrefix + id + ":*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
