package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/tapledger/internal/model"
	"github.com/go-redis/redis/v8"
)

// Redis keeps one sorted set per device and per address, scored by attempt
// time in milliseconds. Allow is a pure ZCOUNT; Record is called by the audit
// recorder after each attempt is written.
type Redis struct {
	rdb       redis.Cmdable
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedis constructs a redis-backed limiter. retention must cover the longest
// policy window; older members are trimmed on every Record.
func NewRedis(rdb redis.Cmdable, prefix string, retention time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, retention: retention, now: time.Now}
}

func (l *Redis) key(scope Scope, key string) string {
	return l.prefix + ":" + string(scope) + ":" + key
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Allow counts members scored inside the trailing window.
func (l *Redis) Allow(ctx context.Context, scope Scope, key string, p Policy) (bool, error) {
	if scope != ScopeDevice && scope != ScopeAddress {
		return false, fmt.Errorf("unknown scope %q", scope)
	}
	if p.Max <= 0 {
		return true, nil
	}
	from := millis(l.now().Add(-p.Window))
	n, err := l.rdb.ZCount(ctx, l.key(scope, key), from, "+inf").Result()
	if err != nil {
		return false, err
	}
	return n < int64(p.Max), nil
}

// Record mirrors one attempt into the device window and, when known, the address window.
func (l *Redis) Record(ctx context.Context, rec model.AuditRecord) error {
	now := l.now()
	member := strconv.FormatInt(rec.ID, 10) + "-" + strconv.FormatInt(now.UnixNano(), 36)
	z := &redis.Z{Score: float64(now.UnixMilli()), Member: member}
	cutoff := "(" + millis(now.Add(-l.retention))

	keys := []string{l.key(ScopeDevice, rec.DeviceID)}
	if rec.SourceAddress != "" {
		keys = append(keys, l.key(ScopeAddress, rec.SourceAddress))
	}
	for _, k := range keys {
		if err := l.rdb.ZAdd(ctx, k, z).Err(); err != nil {
			return fmt.Errorf("zadd %s: %w", k, err)
		}
		if err := l.rdb.ZRemRangeByScore(ctx, k, "-inf", cutoff).Err(); err != nil {
			return fmt.Errorf("trim %s: %w", k, err)
		}
		if err := l.rdb.Expire(ctx, k, l.retention).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", k, err)
		}
	}
	return nil
}
