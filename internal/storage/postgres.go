package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratusfn/stratus/internal/job"
)

// PostgresStore is a Postgres-backed status store. Objects live in a single
// keyed table so the key layout matches the object-storage backends and
// prefix listing maps to a range scan.
type PostgresStore struct {
	pool *pgxpool.Pool
	keys Keys
}

// NewPostgresStore connects to Postgres, creates the objects table if
// missing and returns a status store using the given key prefix.
func NewPostgresStore(ctx context.Context, dsn, prefix string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, keys: Keys{Prefix: prefix}}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stratus_objects (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create objects table: %w", err)
	}
	return nil
}

// Keys exposes the store's key layout.
func (s *PostgresStore) Keys() Keys {
	return s.keys
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) PutData(ctx context.Context, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stratus_objects (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, data)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) GetData(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM stratus_objects WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) PutStatus(ctx context.Context, st *job.Status) error {
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

func (s *PostgresStore) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*job.Status, error) {
	data, err := s.GetData(ctx, s.keys.Status(executorID, jobID, callID))
	if errors.Is(err, ErrNotFound) {
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

func (s *PostgresStore) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	return s.GetData(ctx, s.keys.Output(executorID, jobID, callID))
}

func (s *PostgresStore) GetRuntimeMeta(ctx context.Context, runtimeKey string) (*job.RuntimeMeta, error) {
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

func (s *PostgresStore) PutRuntimeMeta(ctx context.Context, runtimeKey string, meta *job.RuntimeMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.PutData(ctx, s.keys.Runtime(runtimeKey), data)
}

func (s *PostgresStore) ListCompletionMarkers(ctx context.Context, executorID, jobID string) (map[string]struct{}, error) {
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

func (s *PostgresStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM stratus_objects WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM stratus_objects WHERE key = ANY($1)`, keys)
	return err
}
