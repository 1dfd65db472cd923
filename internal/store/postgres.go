package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// ExecSQL executes raw SQL (used for schema bootstrap).
// schema.sql must be idempotent.
func (s *Store) ExecSQL(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

func (s *Store) CreateRun(ctx context.Context, r Run) (string, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "running"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memprof.runs (run_id, arch, mode, profile_dir, status, host, inputs, result)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb)
	`, r.RunID, r.Arch, r.Mode, r.ProfileDir, r.Status, nullIfEmpty(r.Host),
		jsonOrEmpty(r.InputsJSON), jsonOrEmpty(r.ResultJSON),
	)
	if err != nil {
		return "", err
	}
	return r.RunID, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status string, resultJSON []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memprof.runs
		SET status=$2, finished_at=now(), result=$3::jsonb
		WHERE run_id=$1
	`, runID, status, jsonOrEmpty(resultJSON))
	return err
}

func (s *Store) AddMeasurement(ctx context.Context, m Measurement) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memprof.measurements (run_id, local_batch_size, max_num_models, attempts, command, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (run_id, local_batch_size) DO UPDATE SET
		  max_num_models=EXCLUDED.max_num_models,
		  attempts=EXCLUDED.attempts,
		  command=EXCLUDED.command,
		  recorded_at=EXCLUDED.recorded_at
	`, m.RunID, m.LocalBatchSize, m.MaxNumModels, m.Attempts, nullIfEmpty(m.Command), m.RecordedAt)
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, arch, mode, profile_dir, status, COALESCE(host,''), started_at, finished_at
		FROM memprof.runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Arch, &r.Mode, &r.ProfileDir, &r.Status, &r.Host, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListMeasurements(ctx context.Context, runID string) ([]Measurement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, local_batch_size, max_num_models, attempts, COALESCE(command,''), recorded_at
		FROM memprof.measurements
		WHERE run_id=$1
		ORDER BY local_batch_size
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.RunID, &m.LocalBatchSize, &m.MaxNumModels, &m.Attempts, &m.Command, &m.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
