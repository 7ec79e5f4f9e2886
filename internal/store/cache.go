package store

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"resolvd/internal/infosystem"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InfoCache keeps info payloads in the info_cache table. It satisfies
// infosystem.Cache; failures are treated as misses.
type InfoCache struct {
	store *Store
	now   func() time.Time
}

func (s *Store) InfoCache() *InfoCache {
	return &InfoCache{store: s, now: time.Now}
}

func (c *InfoCache) Get(key string) (infosystem.Payload, bool) {
	var data string
	var expires int64
	err := c.store.QueryRowContext(context.Background(), `SELECT payload, expires_at FROM info_cache WHERE key=?`, key).Scan(&data, &expires)
	if err != nil {
		return nil, false
	}
	if c.now().Unix() >= expires {
		return nil, false
	}
	var p infosystem.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, false
	}
	return p, true
}

func (c *InfoCache) Put(key string, p infosystem.Payload, ttl time.Duration) {
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	expires := c.now().Add(ttl).Unix()
	_, _ = c.store.ExecContext(context.Background(), `INSERT INTO info_cache(key, payload, expires_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, expires_at=excluded.expires_at`, key, string(b), expires)
}

// Purge deletes expired entries and returns how many were removed.
func (c *InfoCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.store.ExecContext(ctx, `DELETE FROM info_cache WHERE expires_at<=?`, c.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
