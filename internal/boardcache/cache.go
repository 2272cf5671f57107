package boardcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"counterflow/queue-service/internal/store"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 2 * time.Second

// Cache keeps recent board snapshots in Redis so a wall of display
// clients polling the public feed does not hammer Postgres. A nil
// client disables caching entirely; every lookup is then a miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func key(step int) string {
	return fmt.Sprintf("board:step:%d", step)
}

func (c *Cache) Get(ctx context.Context, step int) (store.BoardSnapshot, bool, error) {
	if c == nil || c.client == nil {
		return store.BoardSnapshot{}, false, nil
	}
	raw, err := c.client.Get(ctx, key(step)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.BoardSnapshot{}, false, nil
		}
		return store.BoardSnapshot{}, false, err
	}
	var snapshot store.BoardSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// Stale or foreign payload under our key; treat as a miss.
		return store.BoardSnapshot{}, false, nil
	}
	return snapshot, true, nil
}

func (c *Cache) Set(ctx context.Context, step int, snapshot store.BoardSnapshot) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(step), raw, c.ttl).Err()
}
