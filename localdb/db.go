// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localdb is the device local SQLite store holding the family
// configuration, used time and the queue of actions waiting for upload.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-timelimit/model"
)

// ErrNotFound is returned by point queries for missing rows
var ErrNotFound = model.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite database
type DB struct {
	sql     *sql.DB
	path    string
	logger  *slog.Logger
	writeMu sync.Mutex // serialize write transactions to prevent SQLite locking issues
}

// Open opens (creating if necessary) the database file at path and ensures the schema
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_foreign_keys=on&_busy_timeout=5000"

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := &DB{sql: sqlDB, path: path, logger: logger}
	if err := db.initialize(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.sql.Close()
}

// SQL exposes the underlying handle
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// Read returns queries running outside of a transaction
func (db *DB) Read() *Queries {
	return &Queries{q: db.sql}
}

// Tx is a write transaction
type Tx struct {
	*Queries
	tx *sql.Tx
}

// InTx runs fn inside one transaction. The transaction commits if fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	sqlTx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{Queries: &Queries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Queries are the point and range queries over the store
type Queries struct {
	q querier
}

func (db *DB) initialize(ctx context.Context) error {
	if !strings.Contains(db.path, "mode=memory") && db.path != ":memory:" {
		var mode string
		if err := db.sql.QueryRowContext(ctx, `PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	tables := []string{
		// scalar device state (own device id, auth token, next sequence number, list versions)
		`CREATE TABLE IF NOT EXISTS config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS user (
			id                             TEXT PRIMARY KEY,
			name                           TEXT NOT NULL,
			type                           TEXT NOT NULL CHECK (type IN ('parent','child')),
			timezone                       TEXT NOT NULL DEFAULT '',
			password_hash                  TEXT NOT NULL DEFAULT '',
			second_password_salt           TEXT NOT NULL DEFAULT '',
			disable_limits_until           INTEGER NOT NULL DEFAULT 0,
			category_for_not_assigned_apps TEXT NOT NULL DEFAULT '',
			blocked_times                  TEXT NOT NULL DEFAULT '',
			current_device                 TEXT NOT NULL DEFAULT '',
			relax_primary_device           INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS device (
			id                             TEXT PRIMARY KEY,
			name                           TEXT NOT NULL,
			model                          TEXT NOT NULL DEFAULT '',
			added_at                       INTEGER NOT NULL DEFAULT 0,
			current_user_id                TEXT NOT NULL DEFAULT '',
			network_time                   TEXT NOT NULL DEFAULT 'disabled',
			current_protection_level       INTEGER NOT NULL DEFAULT 0,
			highest_protection_level       INTEGER NOT NULL DEFAULT 0,
			current_usage_stats_permission INTEGER NOT NULL DEFAULT 0,
			highest_usage_stats_permission INTEGER NOT NULL DEFAULT 0,
			current_notification_access    INTEGER NOT NULL DEFAULT 0,
			highest_notification_access    INTEGER NOT NULL DEFAULT 0,
			current_app_version            INTEGER NOT NULL DEFAULT 0,
			highest_app_version            INTEGER NOT NULL DEFAULT 0,
			manipulation_did_reboot        INTEGER NOT NULL DEFAULT 0,
			had_manipulation               INTEGER NOT NULL DEFAULT 0,
			consider_reboot_manipulation   INTEGER NOT NULL DEFAULT 0,
			enable_activity_level_blocking INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS category (
			id                        TEXT PRIMARY KEY,
			child_id                  TEXT NOT NULL,
			title                     TEXT NOT NULL,
			blocked_minutes_in_week   TEXT NOT NULL DEFAULT '',
			extra_time                INTEGER NOT NULL DEFAULT 0 CHECK (extra_time >= 0),
			extra_time_day            INTEGER NOT NULL DEFAULT -1,
			temporarily_blocked       INTEGER NOT NULL DEFAULT 0,
			temporarily_blocked_end   INTEGER NOT NULL DEFAULT 0,
			parent_category_id        TEXT NOT NULL DEFAULT '',
			block_all_notifications   INTEGER NOT NULL DEFAULT 0,
			min_battery_charging      INTEGER NOT NULL DEFAULT 0,
			min_battery_mobile        INTEGER NOT NULL DEFAULT 0,
			sort                      INTEGER NOT NULL DEFAULT 0,
			base_version              TEXT NOT NULL DEFAULT '',
			apps_version              TEXT NOT NULL DEFAULT '',
			rules_version             TEXT NOT NULL DEFAULT '',
			used_times_version        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS category_child ON category(child_id)`,

		`CREATE TABLE IF NOT EXISTS category_app (
			category_id   TEXT NOT NULL REFERENCES category(id) ON DELETE CASCADE,
			app_specifier TEXT NOT NULL,
			PRIMARY KEY (category_id, app_specifier)
		)`,
		`CREATE INDEX IF NOT EXISTS category_app_specifier ON category_app(app_specifier)`,

		`CREATE TABLE IF NOT EXISTS time_limit_rule (
			id                        TEXT PRIMARY KEY,
			category_id               TEXT NOT NULL REFERENCES category(id) ON DELETE CASCADE,
			day_mask                  INTEGER NOT NULL,
			maximum_time              INTEGER NOT NULL CHECK (maximum_time >= 0),
			apply_to_extra_time_usage INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS time_limit_rule_category ON time_limit_rule(category_id)`,

		`CREATE TABLE IF NOT EXISTS used_time (
			category_id  TEXT NOT NULL REFERENCES category(id) ON DELETE CASCADE,
			day_of_epoch INTEGER NOT NULL,
			used_time    INTEGER NOT NULL CHECK (used_time >= 0),
			PRIMARY KEY (category_id, day_of_epoch)
		)`,

		`CREATE TABLE IF NOT EXISTS installed_app (
			device_id     TEXT NOT NULL,
			package_name  TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			is_launchable INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (device_id, package_name)
		)`,

		`CREATE TABLE IF NOT EXISTS temporarily_allowed_app (
			package_name TEXT PRIMARY KEY
		)`,

		// queue of locally applied actions, FIFO by sequence number
		`CREATE TABLE IF NOT EXISTS pending_sync_action (
			sequence_number      INTEGER PRIMARY KEY,
			action               TEXT NOT NULL,
			integrity            TEXT NOT NULL,
			scheduled_for_upload INTEGER NOT NULL DEFAULT 0,
			type                 TEXT NOT NULL CHECK (type IN ('parent','child','appLogic')),
			user_id              TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, ddl := range tables {
		if _, err := db.sql.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
