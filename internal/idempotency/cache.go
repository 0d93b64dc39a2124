package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_mail/internal/logging"
)

const cachePrefix = "harbormail:idempotency:"

// CachedStore fronts a Store with a Redis read-through cache of completed
// records. Redis failures fall back to the wrapped store; Postgres stays the
// source of truth.
type CachedStore struct {
	Store
	rdb       redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewCachedStore wraps store. Entries expire when the record's retention
// runs out, counted from its CreatedAt, so a pruned key is never replayed
// from the cache.
func NewCachedStore(store Store, rdb redis.UniversalClient, retention time.Duration) *CachedStore {
	return &CachedStore{Store: store, rdb: rdb, retention: retention, now: time.Now}
}

// ttlFor is the retention left for resp. Unstamped responses get the full
// retention.
func (c *CachedStore) ttlFor(resp *Response) time.Duration {
	if resp.CreatedAt.IsZero() {
		return c.retention
	}
	return c.retention - c.now().Sub(resp.CreatedAt)
}

func cacheKey(key Key) string {
	return cachePrefix + key.UserID + ":" + key.Value
}

func (c *CachedStore) Lookup(ctx context.Context, key Key) (*Response, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	switch {
	case err == nil:
		var resp Response
		if jsonErr := json.Unmarshal(raw, &resp); jsonErr == nil {
			return &resp, nil
		}
		logging.WithContext(ctx).WithField("cache_key", cacheKey(key)).Warn("discarding undecodable cached response")
	case !errors.Is(err, redis.Nil):
		logging.WithContext(ctx).WithError(err).Warn("idempotency cache read failed")
	}

	resp, err := c.Store.Lookup(ctx, key)
	if err != nil || resp == nil {
		return resp, err
	}
	c.put(ctx, key, resp)
	return resp, nil
}

func (c *CachedStore) Begin(ctx context.Context, key Key) (Reservation, error) {
	res, err := c.Store.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	return &cachedReservation{Reservation: res, cache: c, key: key}, nil
}

func (c *CachedStore) put(ctx context.Context, key Key, resp *Response) {
	ttl := c.ttlFor(resp)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(key), raw, ttl).Err(); err != nil {
		logging.WithContext(ctx).WithError(err).Warn("idempotency cache write failed")
	}
}

type cachedReservation struct {
	Reservation
	cache *CachedStore
	key   Key
}

// Complete populates the cache only after the record is committed.
func (r *cachedReservation) Complete(ctx context.Context, resp *Response) error {
	if err := r.Reservation.Complete(ctx, resp); err != nil {
		return err
	}
	r.cache.put(ctx, r.key, resp)
	return nil
}
