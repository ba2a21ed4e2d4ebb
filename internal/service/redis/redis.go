package redis

import (
	"cash_relay/internal/codec"
	"cash_relay/internal/metrics"
	"cash_relay/internal/model"
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisService keeps one sorted set per destination key, scored by
	// received_time in milliseconds. Members are serialized Messages.
	RedisService struct {
		rdb     *redis.Client
		ttl     time.Duration
		metrics *metrics.Metrics
	}
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("not found")

func NewRedis(rdb *redis.Client, ttl time.Duration, m *metrics.Metrics) *RedisService {
	return &RedisService{
		rdb:     rdb,
		ttl:     ttl,
		metrics: m,
	}
}

func inboxKey(destination []byte) string {
	return "inbox:" + hex.EncodeToString(destination)
}

// scoreRange maps an inclusive [start, end] millisecond window to
// ZRANGEBYSCORE bounds. end <= 0 means unbounded.
func scoreRange(start, end int64) *redis.ZRangeBy {
	by := &redis.ZRangeBy{Min: strconv.FormatInt(start, 10), Max: "+inf"}
	if end > 0 {
		by.Max = strconv.FormatInt(end, 10)
	}
	return by
}

// PutMessage appends msg to its destination inbox and drops entries older
// than the TTL.
func (r *RedisService) PutMessage(ctx context.Context, msg *model.Message) (err error) {
	defer func(start time.Time) { r.metrics.ObserveRedis("put_message", start, err) }(time.Now())

	key := inboxKey(msg.DestinationPublicKey)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(msg.ReceivedTime),
			Member: codec.MarshalMessage(msg),
		})
		if r.ttl > 0 {
			cutoff := msg.ReceivedTime - r.ttl.Milliseconds()
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

// GetMessages returns the inbox of destination within [start, end] in
// received order.
func (r *RedisService) GetMessages(ctx context.Context, destination []byte, start, end int64) (msgs []*model.Message, err error) {
	defer func(start time.Time) { r.metrics.ObserveRedis("get_messages", start, err) }(time.Now())

	vals, err := r.rdb.ZRangeByScore(ctx, inboxKey(destination), scoreRange(start, end)).Result()
	if err != nil {
		return nil, err
	}

	msgs = make([]*model.Message, 0, len(vals))
	for _, v := range vals {
		m, err := codec.UnmarshalMessage([]byte(v))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}
