package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

const (
	DefaultKeyPrefix = "voicebridge:session:"
	DefaultTTL       = 24 * time.Hour

	maxTxRetries = 16
	scanBatch    = 200
)

var ErrContention = errors.New("sessionstore: too many concurrent writers")

// Redis stores sessions as JSON strings with a sliding TTL. Writes use
// WATCH/MULTI so concurrent read-modify-write cycles never interleave.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	KeyPrefix string
	TTL       time.Duration
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	r := &Redis{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}
	if r.prefix == "" {
		r.prefix = DefaultKeyPrefix
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	return r
}

// DialRedis parses a redis:// URL and returns a client. It does not connect.
func DialRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *Redis) key(callID string) string {
	return r.prefix + callID
}

func (r *Redis) Mutate(ctx context.Context, callID string, fn MutateFunc) (*callstate.VoiceSession, error) {
	key := r.key(callID)
	var out *callstate.VoiceSession

	txf := func(tx *redis.Tx) error {
		cur, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		next := fn(cur)
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("redis mutate %s: %w", callID, err)
	}
	return nil, fmt.Errorf("redis mutate %s: %w", callID, ErrContention)
}

func (r *Redis) load(ctx context.Context, tx *redis.Tx, key string) (*callstate.VoiceSession, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess callstate.VoiceSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &sess, nil
}

func (r *Redis) Delete(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, r.key(callID)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", callID, err)
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return ids, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
