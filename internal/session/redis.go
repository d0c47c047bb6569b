package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisTakeScript removes a session and its expiry index entry, returning
// the payload only to the caller that actually removed it.
var redisTakeScript = redis.NewScript(`
local payload = redis.call("GET", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if not payload then
  return false
end
redis.call("DEL", KEYS[1])
return payload
`)

// RedisRegistry shares session leases through Redis. Handles still refer
// to resources held by the automation worker behind the local engine.
type RedisRegistry struct {
	client   redis.UniversalClient
	prefix   string
	releaser Releaser
	now      func() time.Time
}

func NewRedisRegistry(client redis.UniversalClient, prefix string, releaser Releaser) *RedisRegistry {
	if prefix == "" {
		prefix = "redeem"
	}
	return &RedisRegistry{
		client:   client,
		prefix:   prefix,
		releaser: releaser,
		now:      time.Now,
	}
}

func (r *RedisRegistry) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisRegistry) expiryKey() string {
	return r.prefix + ":sessions:expiry"
}

func (r *RedisRegistry) Create(ctx context.Context, couponID, email, handle string, ttl time.Duration) (*Entry, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	now := r.now()
	e := &Entry{
		ID:        uuid.NewString(),
		CouponID:  couponID,
		Email:     email,
		Handle:    handle,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.sessionKey(e.ID), payload, 0)
		p.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(e.ExpiresAt.UnixMilli()), Member: e.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return e, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if e.Expired(r.now()) {
		return nil, nil
	}
	return &e, nil
}

func (r *RedisRegistry) Release(ctx context.Context, id string) error {
	e, err := r.take(ctx, id)
	if err != nil || e == nil {
		return err
	}
	return r.close(ctx, e)
}

func (r *RedisRegistry) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	return r.releaseAll(ctx, ids)
}

// ReleaseCoupon scans the expiry index for sessions on couponID.
func (r *RedisRegistry) ReleaseCoupon(ctx context.Context, couponID string) (int, error) {
	ids, err := r.client.ZRange(ctx, r.expiryKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	payloads, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	var matched []string
	for i, p := range payloads {
		raw, ok := p.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.Printf("session: skipping undecodable session %s: %v", ids[i], err)
			continue
		}
		if e.CouponID == couponID {
			matched = append(matched, ids[i])
		}
	}
	return r.releaseAll(ctx, matched)
}

// Close releases every indexed session; used on shutdown of the only
// instance.
func (r *RedisRegistry) Close(ctx context.Context) error {
	ids, err := r.client.ZRange(ctx, r.expiryKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	_, err = r.releaseAll(ctx, ids)
	return err
}

func (r *RedisRegistry) releaseAll(ctx context.Context, ids []string) (int, error) {
	released := 0
	var errs []error
	for _, id := range ids {
		e, err := r.take(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if e == nil {
			continue
		}
		released++
		if err := r.close(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return released, errors.Join(errs...)
}

func (r *RedisRegistry) take(ctx context.Context, id string) (*Entry, error) {
	raw, err := redisTakeScript.Run(ctx, r.client, []string{r.sessionKey(id), r.expiryKey()}, id).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take session %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &e, nil
}

func (r *RedisRegistry) close(ctx context.Context, e *Entry) error {
	if r.releaser == nil || e.Handle == "" {
		return nil
	}
	if err := r.releaser.Release(ctx, e.Handle); err != nil {
		log.Printf("session: failed to release handle for %s: %v", e.ID, err)
		return fmt.Errorf("release session %s: %w", e.ID, err)
	}
	return nil
}
