package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/stratusfn/stratus/internal/job"
)

// MemoryStore is an in-process status store. It backs local development and
// tests; semantics match the object-storage backends, including listing.
type MemoryStore struct {
	keys Keys
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store with the given key prefix.
func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		keys: Keys{Prefix: prefix},
		data: make(map[string][]byte),
	}
}

// Keys exposes the store's key layout.
func (s *MemoryStore) Keys() Keys {
	return s.keys
}

func (s *MemoryStore) PutData(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetData(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) PutStatus(ctx context.Context, st *job.Status) error {
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

func (s *MemoryStore) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*job.Status, error) {
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

func (s *MemoryStore) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	return s.GetData(ctx, s.keys.Output(executorID, jobID, callID))
}

func (s *MemoryStore) GetRuntimeMeta(ctx context.Context, runtimeKey string) (*job.RuntimeMeta, error) {
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

func (s *MemoryStore) PutRuntimeMeta(ctx context.Context, runtimeKey string, meta *job.RuntimeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.PutData(ctx, s.keys.Runtime(runtimeKey), data)
}

func (s *MemoryStore) ListCompletionMarkers(ctx context.Context, executorID, jobID string) (map[string]struct{}, error) {
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

func (s *MemoryStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}
