// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config reads the agent and server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Agent configures the device core
type Agent struct {
	DBPath       string        `env:"TIMELIMIT_DB_PATH"       envDefault:"timelimit.db"`
	ServerURL    string        `env:"TIMELIMIT_SERVER_URL"`
	Token        string        `env:"TIMELIMIT_TOKEN"`
	PollInterval time.Duration `env:"TIMELIMIT_POLL_INTERVAL" envDefault:"100ms"`
	BackupDir    string        `env:"TIMELIMIT_BACKUP_DIR"`
	LogLevel     string        `env:"TIMELIMIT_LOG_LEVEL"     envDefault:"info"`
	MetricsAddr  string        `env:"TIMELIMIT_METRICS_ADDR"`
}

// LocalMode reports whether the agent runs without a sync server
func (a Agent) LocalMode() bool { return a.ServerURL == "" }

// Server configures the sync server
type Server struct {
	ListenAddr  string `env:"TIMELIMIT_LISTEN_ADDR"  envDefault:":8080"`
	DatabaseURL string `env:"TIMELIMIT_DATABASE_URL"` // empty keeps state in memory
	JWTSecret   string `env:"TIMELIMIT_JWT_SECRET"`
	LogLevel    string `env:"TIMELIMIT_LOG_LEVEL"    envDefault:"info"`

	MaxPushBatchSize int `env:"TIMELIMIT_MAX_PUSH_BATCH" envDefault:"500"`
	UsedTimeDays     int `env:"TIMELIMIT_USED_TIME_DAYS" envDefault:"0"`

	// LogStageTimings logs the duration of every push and pull stage at debug level
	LogStageTimings bool `env:"TIMELIMIT_LOG_STAGE_TIMINGS"`
}

// Validate rejects settings the server cannot start with
func (s Server) Validate() error {
	if s.JWTSecret == "" {
		return errors.New("TIMELIMIT_JWT_SECRET must be set")
	}
	if s.MaxPushBatchSize < 0 {
		return fmt.Errorf("invalid push batch limit %d", s.MaxPushBatchSize)
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadAgent returns the agent settings
func LoadAgent() (Agent, error) {
	var cfg Agent
	err := ParseEnv(&cfg)
	return cfg, err
}

// LoadServer returns the server settings
func LoadServer() (Server, error) {
	var cfg Server
	err := ParseEnv(&cfg)
	return cfg, err
}

// ParseLevel maps a level name to a slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}
