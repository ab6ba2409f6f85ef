package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis: one JSON value per checkpoint plus
// a per-thread sorted set ordered by creation time, so List returns the full
// history exactly like the relational backends.
type RedisStore struct {
	rdb *redis.Client
}

const (
	redisThreadsKey = "agentflow:cp:threads"
	redisKeyPrefix  = "agentflow:cp:"
	redisIdxPrefix  = "agentflow:cpidx:"
)

// NewRedisStore connects to Redis at addr (host:port).
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests running
// against miniredis.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func checkpointKey(threadID, checkpointID string) string {
	return redisKeyPrefix + threadID + ":" + checkpointID
}

func indexKey(threadID string) string {
	return redisIdxPrefix + threadID
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, checkpointKey(cp.ThreadID, cp.CheckpointID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, indexKey(cp.ThreadID), redis.Z{
		Score:  float64(cp.CreatedAt.UTC().UnixNano()),
		Member: cp.CheckpointID,
	})
	pipe.SAdd(ctx, redisThreadsKey, cp.ThreadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index checkpoint: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if checkpointID == "" {
		ids, err := s.rdb.ZRevRange(ctx, indexKey(threadID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
		}
		if len(ids) == 0 {
			return nil, ErrNotFound
		}
		checkpointID = ids[0]
	}

	data, err := s.rdb.Get(ctx, checkpointKey(threadID, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// List implements Store. Unlike a latest-only cache, the sorted-set index
// preserves the whole history per thread.
func (s *RedisStore) List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, indexKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Get(ctx, threadID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, nil
}

// Cleanup implements Store.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	threads, err := s.rdb.SMembers(ctx, redisThreadsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list threads: %w", err)
	}
	cutoff := strconv.FormatInt(olderThan.UTC().UnixNano(), 10)

	removed := 0
	for _, threadID := range threads {
		idx := indexKey(threadID)
		ids, err := s.rdb.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + cutoff,
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan thread %s: %w", threadID, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := s.rdb.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, checkpointKey(threadID, id))
			pipe.ZRem(ctx, idx, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete from thread %s: %w", threadID, err)
		}
		removed += len(ids)

		if remaining, err := s.rdb.ZCard(ctx, idx).Result(); err == nil && remaining == 0 {
			_ = s.rdb.SRem(ctx, redisThreadsKey, threadID).Err()
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
