package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrMiss = errors.New("cache miss")

// RedisCache maps queue item ids to the transport's message id so inbound
// receipts can be correlated without a database round trip.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type SentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func key(itemID string) string {
	return "msg:" + itemID
}

func (c *RedisCache) StoreSent(ctx context.Context, itemID string, remoteMessageID string, sentAt time.Time) error {
	val := SentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key(itemID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, itemID string) (SentValue, error) {
	raw, err := c.rdb.Get(ctx, key(itemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentValue{}, ErrMiss
	}
	if err != nil {
		return SentValue{}, err
	}

	var v SentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return SentValue{}, err
	}
	return v, nil
}
