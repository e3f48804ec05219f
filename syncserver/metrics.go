// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"log/slog"
	"time"
)

// Operations and stages reported to a StageMetricsRecorder
const (
	MetricsOpPush     = "push"
	MetricsOpPull     = "pull"
	MetricsOpRegister = "register"

	MetricsStageTotal = "total"

	// applied, already applied and rejected actions of a push
	MetricsStagePushApply    = "apply"
	MetricsStagePushSkipped  = "skipped"
	MetricsStagePushRejected = "rejected"

	// loading the family state and diffing it against the client versions
	MetricsStagePullLoad = "load"
	MetricsStagePullDiff = "diff"
)

// StageTiming is one measured stage of a server operation. Count is the number
// of actions or entities the stage handled.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

// StageMetricsRecorder receives stage timings, for example to export them
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to StageMetricsRecorder
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageStart returns the zero time when nobody observes stages
func (s *Service) stageStart() time.Time {
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return time.Time{}
	}
	return s.now()
}

func (s *Service) observeStage(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{Operation: op, Stage: stage, Duration: s.now().Sub(start), Count: count, Error: hadError}
	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "stage timing",
			slog.String("op", op),
			slog.String("stage", stage),
			slog.Duration("duration", timing.Duration),
			slog.Int("count", count),
			slog.Bool("error", hadError),
		)
	}
}
