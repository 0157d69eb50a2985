package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

const directoryKeyPrefix = "approvals:directory:"

// CachedDirectory fronts a service.Directory with a Redis read-through
// cache. Redis problems are logged and the lookup falls through to the
// wrapped directory; only lookups that succeed are cached.
type CachedDirectory struct {
	next service.Directory
	rdb  redis.Cmdable
	ttl  time.Duration
	log  zerolog.Logger
}

var _ service.Directory = (*CachedDirectory)(nil)

// NewCachedDirectory wraps next. A non-positive ttl defaults to five minutes.
func NewCachedDirectory(next service.Directory, rdb redis.Cmdable, ttl time.Duration, log zerolog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedDirectory) GetUser(ctx context.Context, userID string) (*service.User, error) {
	return readThrough(ctx, c, "user:"+userID, func() (*service.User, error) {
		return c.next.GetUser(ctx, userID)
	})
}

func (c *CachedDirectory) GetInstitution(ctx context.Context, institutionID string) (*service.Institution, error) {
	return readThrough(ctx, c, "institution:"+institutionID, func() (*service.Institution, error) {
		return c.next.GetInstitution(ctx, institutionID)
	})
}

func (c *CachedDirectory) ListUsersWithRole(ctx context.Context, institutionID, role string) ([]string, error) {
	return readThrough(ctx, c, "role:"+institutionID+":"+role, func() ([]string, error) {
		return c.next.ListUsersWithRole(ctx, institutionID, role)
	})
}

// Invalidate drops every cached entry for a user.
func (c *CachedDirectory) Invalidate(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, directoryKeyPrefix+"user:"+userID).Err()
}

func readThrough[T any](ctx context.Context, c *CachedDirectory, key string, load func() (T, error)) (T, error) {
	key = directoryKeyPrefix + key

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if jerr := json.Unmarshal(raw, &v); jerr == nil {
			return v, nil
		}
		c.log.Warn().Str("key", key).Msg("Discarding undecodable directory cache entry")
	case err != redis.Nil:
		c.log.Warn().Err(err).Str("key", key).Msg("Directory cache read failed; using directory")
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	if data, jerr := json.Marshal(v); jerr == nil {
		if serr := c.rdb.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("Directory cache write failed")
		}
	}
	return v, nil
}
