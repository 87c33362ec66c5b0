// internal/oplog/redis.go
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/javajoker/traceledger/internal/models"
)

// RedisStore keeps each entry as a JSON string with a retention TTL and
// maintains secondary indexes: a due-time sorted set for in-flight entries,
// one set per stage and one set per qr code. Writes use WATCH/MULTI so the
// version check and the write are a single transaction.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	completedTTL time.Duration
	retainTTL    time.Duration
	now          func() time.Time
}

type RedisOption func(*RedisStore)

// WithRetention sets how long completed and non-completed entries are kept.
func WithRetention(completed, other time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.completedTTL = completed
		s.retainTTL = other
	}
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:       client,
		prefix:       "oplog:",
		completedTTL: 24 * time.Hour,
		retainTTL:    7 * 24 * time.Hour,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, entry models.OperationEntry) error {
	key := s.entryKey(entry.Key)
	now := s.now()
	entry.Version = 1
	entry.CreatedAt = now
	entry.UpdatedAt = now

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal operation entry: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(entry.Stage))
			s.index(ctx, pipe, entry)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrExists
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.OperationEntry, error) {
	return s.read(ctx, s.client, s.entryKey(key))
}

func (s *RedisStore) Update(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	key := s.entryKey(entry.Key)
	var stored models.OperationEntry

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Version != entry.Version {
			return ErrVersionConflict
		}

		next := entry
		next.Version++
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.now()
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal operation entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(next.Stage))
			if current.Stage != next.Stage {
				pipe.SRem(ctx, s.stageKey(current.Stage), next.Key)
			}
			s.index(ctx, pipe, next)
			return nil
		})
		if err != nil {
			return err
		}
		stored = next
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return models.OperationEntry{}, ErrVersionConflict
	}
	if err != nil {
		return models.OperationEntry{}, err
	}
	return stored, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	entry, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(key))
		s.unindex(ctx, pipe, entry.Key, entry.Stage, entry.QRCode)
		return nil
	})
	return err
}

func (s *RedisStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.OperationEntry, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	keys, err := s.client.ZRangeByScore(ctx, s.dueKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due operations: %w", err)
	}

	entries, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if isDue(e, now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RedisStore) ListByStage(ctx context.Context, stage models.OperationStage, limit int) ([]models.OperationEntry, error) {
	keys, err := s.client.SMembers(ctx, s.stageKey(stage)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operations by stage: %w", err)
	}
	entries, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if e.Stage == stage {
			filtered = append(filtered, e)
		}
	}
	sortEntries(filtered)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (s *RedisStore) ListByQRCode(ctx context.Context, qrCode string) ([]models.OperationEntry, error) {
	keys, err := s.client.SMembers(ctx, s.qrKey(qrCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operations by qr code: %w", err)
	}
	entries, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

// load fetches entries by operation key. Keys whose entry has expired are
// dropped from the indexes.
func (s *RedisStore) load(ctx context.Context, keys []string) ([]models.OperationEntry, error) {
	entries := make([]models.OperationEntry, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, s.dueKey(), k)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (models.OperationEntry, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.OperationEntry{}, ErrNotFound
	}
	if err != nil {
		return models.OperationEntry{}, fmt.Errorf("failed to read operation entry: %w", err)
	}

	var entry models.OperationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.OperationEntry{}, fmt.Errorf("failed to decode operation entry: %w", err)
	}
	return entry, nil
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, e models.OperationEntry) {
	pipe.SAdd(ctx, s.stageKey(e.Stage), e.Key)
	pipe.SAdd(ctx, s.qrKey(e.QRCode), e.Key)
	if e.Stage.InFlight() {
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(e.DueAt().UnixMilli()), Member: e.Key})
	} else {
		pipe.ZRem(ctx, s.dueKey(), e.Key)
	}
}

func (s *RedisStore) unindex(ctx context.Context, pipe redis.Pipeliner, key string, stage models.OperationStage, qrCode string) {
	pipe.SRem(ctx, s.stageKey(stage), key)
	pipe.SRem(ctx, s.qrKey(qrCode), key)
	pipe.ZRem(ctx, s.dueKey(), key)
}

func (s *RedisStore) ttlFor(stage models.OperationStage) time.Duration {
	if stage == models.StageCompleted {
		return s.completedTTL
	}
	return s.retainTTL
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + "entry:" + key
}

func (s *RedisStore) dueKey() string {
	return s.prefix + "due"
}

func (s *RedisStore) stageKey(stage models.OperationStage) string {
	return s.prefix + "stage:" + string(stage)
}

func (s *RedisStore) qrKey(qrCode string) string {
	return s.prefix + "qr:" + qrCode
}
