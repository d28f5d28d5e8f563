package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const bumpChannel = "budget.bump"

// Cache wraps Redis based caching of monthly spend with per-department versioning.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func versionKey(departmentID int64) string {
	return fmt.Sprintf("budget:version:%d", departmentID)
}

// Version returns the current cache version of a department, initialising when missing.
func (c *Cache) Version(ctx context.Context, departmentID int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := versionKey(departmentID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// SpendKey composes the cache key of one department month.
func (c *Cache) SpendKey(ctx context.Context, departmentID int64, year int, month time.Month) (string, error) {
	ver, err := c.Version(ctx, departmentID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("budget:spend:%d:%04d-%02d:%d", departmentID, year, int(month), ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("budget cache: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates a department's cached spend and publishes the new version.
func (c *Cache) Bump(ctx context.Context, departmentID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(departmentID)).Result()
	if err != nil {
		return err
	}
	payload := strconv.FormatInt(departmentID, 10) + ":" + strconv.FormatInt(ver, 10)
	return c.client.Publish(ctx, bumpChannel, payload).Err()
}
