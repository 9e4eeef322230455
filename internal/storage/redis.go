package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stratusfn/stratus/internal/job"
)

// RedisStore is a Redis-backed status store. Blobs live in plain string
// keys; listing uses SCAN over the prefix, which keeps the same eventually-
// listing-visible behavior callers already tolerate from object storage.
type RedisStore struct {
	client *redis.Client
	keys   Keys
}

// NewRedisStore connects to Redis and returns a status store using the
// given key prefix.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, keys: Keys{Prefix: prefix}}, nil
}

// NewRedisStoreFromClient wraps an existing client, sharing the connection
// with the completion channel.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, keys: Keys{Prefix: prefix}}
}

// Keys exposes the store's key layout.
func (s *RedisStore) Keys() Keys {
	return s.keys
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) PutData(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) GetData(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) PutStatus(ctx context.Context, st *job.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := s.keys.Status(st.ExecutorID, st.JobID, st.CallID)
	if !st.Terminal() {
		key = s.keys.Init(st.ExecutorID, st.JobID, st.CallID)
	}
	return s.PutData(ctx, key, data)
}

func (s *RedisStore) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*job.Status, error) {
	data, err := s.GetData(ctx, s.keys.Status(executorID, jobID, callID))
	if err == ErrNotFound {
		data, err = s.GetData(ctx, s.keys.Init(executorID, jobID, callID))
	}
	if err != nil {
		return nil, err
	}
	var st job.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStore) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	return s.GetData(ctx, s.keys.Output(executorID, jobID, callID))
}

func (s *RedisStore) GetRuntimeMeta(ctx context.Context, runtimeKey string) (*job.RuntimeMeta, error) {
	data, err := s.GetData(ctx, s.keys.Runtime(runtimeKey))
	if err != nil {
		return nil, err
	}
	var meta job.RuntimeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *RedisStore) PutRuntimeMeta(ctx context.Context, runtimeKey string, meta *job.RuntimeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.PutData(ctx, s.keys.Runtime(runtimeKey), data)
}

func (s *RedisStore) ListCompletionMarkers(ctx context.Context, executorID, jobID string) (map[string]struct{}, error) {
	prefix := s.keys.Job(executorID, jobID)
	keys, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{})
	for _, k := range keys {
		if callID := CallIDFromStatusKey(prefix, k); callID != "" {
			done[callID] = struct{}{}
		}
	}
	return done, nil
}

func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
