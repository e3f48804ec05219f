// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxUpdateAttempts = 5

// PostgresStore keeps each family as one JSONB row
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates the store and its schema
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, /*language=postgresql*/ `CREATE TABLE IF NOT EXISTS families (
			id         TEXT        PRIMARY KEY,
			state      JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
		return err
	})
}

func (s *PostgresStore) Create(ctx context.Context, state *FamilyState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO families (id, state) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, state.ID, data)
	if err != nil {
		return fmt.Errorf("failed to insert family %s: %w", state.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrFamilyExists, state.ID)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, familyID string) (*FamilyState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM families WHERE id = $1`, familyID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFamilyNotFound, familyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load family %s: %w", familyID, err)
	}
	return decodeState(data)
}

// Update locks the family row for the duration of fn. Transactions failing with
// a retryable error are retried with a short backoff.
func (s *PostgresStore) Update(ctx context.Context, familyID string, fn func(state *FamilyState) error) error {
	var err error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return s.updateInTx(ctx, tx, familyID, fn)
		})
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("retrying family update", "family_id", familyID, "attempt", attempt, "error", err)
		if err := sleepWithContext(ctx, time.Duration(attempt)*20*time.Millisecond); err != nil {
			return err
		}
	}
	return err
}

func (s *PostgresStore) updateInTx(ctx context.Context, tx pgx.Tx, familyID string, fn func(state *FamilyState) error) error {
	var data []byte
	err := tx.QueryRow(ctx, `SELECT state FROM families WHERE id = $1 FOR UPDATE`, familyID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrFamilyNotFound, familyID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock family %s: %w", familyID, err)
	}
	state, err := decodeState(data)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	updated, err := encodeState(state)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE families SET state = $2, updated_at = now() WHERE id = $1`, familyID, updated); err != nil {
		return fmt.Errorf("failed to store family %s: %w", familyID, err)
	}
	return nil
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
