// Package store is the Redis-backed candidate state used by the detectors:
// JSON record lists, single-value slots, monthly counters and account locks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/redis/go-redis/v9"
)

// Record is an entry of a candidate list. Lists never hold two records with
// the same RecordID.
type Record interface {
	RecordID() string
}

// Store wraps an injected Redis client. The caller owns the client lifecycle.
type Store struct {
	client redis.UniversalClient
}

// New creates a Store over client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Ping checks the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return backendErr("ping", "", err)
	}
	return nil
}

// GetList returns the records stored under key. A missing key and an empty
// list both yield an empty slice. Undecodable entries are skipped.
func GetList[T Record](ctx context.Context, s *Store, key string) ([]T, error) {
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, backendErr("lrange", key, err)
	}
	return decodeList[T](ctx, key, raw), nil
}

func decodeList[T Record](ctx context.Context, key string, raw []string) []T {
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var rec T
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable candidate record")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// AppendUnique appends rec to the list at key unless a record with the same
// id is already present, and resets the list TTL. It reports whether rec was
// appended.
func AppendUnique[T Record](ctx context.Context, s *Store, key string, rec T, ttl time.Duration) (bool, error) {
	p, ok, err := Prepare(ctx, s, key, rec, ttl)
	if err != nil || !ok {
		return false, err
	}
	if err := s.Commit(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Append is a list write built by Prepare and applied by Commit.
type Append struct {
	key     string
	payload []byte
	ttl     time.Duration
}

// Prepare builds the write appending rec to the list at key. ok is false when
// a record with the same id is already present.
func Prepare[T Record](ctx context.Context, s *Store, key string, rec T, ttl time.Duration) (Append, bool, error) {
	existing, err := GetList[T](ctx, s, key)
	if err != nil {
		return Append{}, false, err
	}
	for _, e := range existing {
		if e.RecordID() == rec.RecordID() {
			return Append{}, false, nil
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return Append{}, false, backendErr("encode", key, err)
	}
	return Append{key: key, payload: payload, ttl: ttl}, true, nil
}

// Commit applies every append in a single MULTI/EXEC: each list gets its
// record and a fresh TTL.
func (s *Store) Commit(ctx context.Context, appends ...Append) error {
	if len(appends) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range appends {
			pipe.RPush(ctx, a.key, a.payload)
			pipe.PExpire(ctx, a.key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return backendErr("rpush", appends[0].key, err)
	}
	return nil
}

// MergeList adds every record of recs whose id is not yet stored under key,
// watching key for the whole read-modify-write. A concurrent write makes it
// return redis.TxFailedErr unwrapped so a RetryPolicy can re-run it.
func MergeList[T Record](ctx context.Context, s *Store, key string, recs []T, ttl time.Duration) (int, error) {
	var added int

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(raw)+len(recs))
		for _, e := range decodeList[T](ctx, key, raw) {
			seen[e.RecordID()] = struct{}{}
		}

		var pending []interface{}
		for _, rec := range recs {
			if _, ok := seen[rec.RecordID()]; ok {
				continue
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			seen[rec.RecordID()] = struct{}{}
			pending = append(pending, payload)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(pending) > 0 {
				pipe.RPush(ctx, key, pending...)
			}
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		if err == nil {
			added = len(pending)
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, err
	}
	if err != nil {
		return 0, backendErr("merge", key, err)
	}
	return added, nil
}

// RemoveRecord deletes every record with the given id from the list at key.
func RemoveRecord[T Record](ctx context.Context, s *Store, key, id string) (int, error) {
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, backendErr("lrange", key, err)
	}

	removed := 0
	for _, item := range raw {
		var rec T
		if err := json.Unmarshal([]byte(item), &rec); err != nil || rec.RecordID() != id {
			continue
		}
		n, err := s.client.LRem(ctx, key, 1, item).Result()
		if err != nil {
			return removed, backendErr("lrem", key, err)
		}
		removed += int(n)
	}
	return removed, nil
}

// GetExact reads a single-value slot.
func (s *Store) GetExact(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("get", key, err)
	}
	return val, true, nil
}

// SetExact writes a single-value slot, always refreshing its TTL.
func (s *Store) SetExact(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return backendErr("set", key, err)
	}
	return nil
}

// IncrementMonthlyCount increments field month of the counter hash at key and
// refreshes its TTL. A failed TTL refresh is logged and does not fail the call.
func (s *Store) IncrementMonthlyCount(ctx context.Context, key, month string, ttl time.Duration) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, month, 1).Result()
	if err != nil {
		return 0, backendErr("hincrby", key, err)
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("key", key).Msg("Failed to refresh pattern counter TTL")
	}
	return n, nil
}

// GetMonthlyCounts reads several months of the counter hash at key in one
// round trip. Months never incremented read as zero.
func (s *Store) GetMonthlyCounts(ctx context.Context, key string, months []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(months))
	if len(months) == 0 {
		return counts, nil
	}

	vals, err := s.client.HMGet(ctx, key, months...).Result()
	if err != nil {
		return nil, backendErr("hmget", key, err)
	}
	for i, month := range months {
		counts[month] = 0
		if i >= len(vals) || vals[i] == nil {
			continue
		}
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(str, 10, 64); err == nil {
			counts[month] = n
		}
	}
	return counts, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, backendErr("exists", key, err)
	}
	return n > 0, nil
}

// Delete removes key. It reports whether anything was deleted.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, backendErr("del", key, err)
	}
	return n > 0, nil
}
