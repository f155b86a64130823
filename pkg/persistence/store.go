// Package persistence provides the small key-value capability used to remember the
// active chat session across restarts.
//
// Three backends implement Store:
//   - MemoryStore keeps values in process (tests, ephemeral runs).
//   - SQLiteStore keeps values in a local SQLite file.
//   - RedisStore keeps values in Redis with native key expiry.
//
// SessionIDStore layers the cookie-like semantics (fixed name, path scope, max age)
// on top of any Store.
package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrEmptyKey = errors.New("persistence: key is empty")

// Store is a string key-value store whose entries may expire.
// A ttl <= 0 means the entry does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func isExpired(expiresAtMs int64, now time.Time) bool {
	return expiresAtMs > 0 && expiresAtMs <= now.UnixMilli()
}
