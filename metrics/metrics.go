// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports Prometheus collectors for the device core and the
// sync server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

const namespace = "timelimit"

// Collectors groups every metric. One value is registered per registry.
type Collectors struct {
	actionsDispatched *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	syncItems         *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageItems        *prometheus.CounterVec
	loopDuration      prometheus.Histogram
	verdicts          *prometheus.CounterVec
	pendingActions    prometheus.Gauge
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		actionsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Dispatched actions by kind, class and result",
		}, []string{"kind", "class", "result"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync_client",
			Name:      "duration_seconds",
			Help:      "Duration of client push and pull operations",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "result"}),
		syncItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync_client",
			Name:      "items_total",
			Help:      "Actions pushed and entities pulled",
		}, []string{"operation"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync_server",
			Name:      "stage_duration_seconds",
			Help:      "Duration of server operation stages",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation", "stage", "result"}),
		stageItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync_server",
			Name:      "stage_items_total",
			Help:      "Items processed by server operation stages",
		}, []string{"operation", "stage"}),
		loopDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iteration_duration_seconds",
			Help:      "Duration of one polling loop iteration",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "verdicts_total",
			Help:      "Blocking verdicts of the foreground app by reason",
		}, []string{"reason"}),
		pendingActions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync_client",
			Name:      "pending_actions",
			Help:      "Actions waiting for upload",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ActionDispatched implements dispatch.Recorder
func (c *Collectors) ActionDispatched(kind string, class model.SyncActionType, err error) {
	c.actionsDispatched.WithLabelValues(kind, string(class), result(err)).Inc()
}

// ObserveSync implements syncclient.Recorder
func (c *Collectors) ObserveSync(operation string, duration time.Duration, count int, err error) {
	c.syncDuration.WithLabelValues(operation, result(err)).Observe(duration.Seconds())
	if count > 0 {
		c.syncItems.WithLabelValues(operation).Add(float64(count))
	}
}

// ObserveStage implements syncserver.StageMetricsRecorder
func (c *Collectors) ObserveStage(_ context.Context, timing syncserver.StageTiming) {
	res := "ok"
	if timing.Error {
		res = "error"
	}
	c.stageDuration.WithLabelValues(timing.Operation, timing.Stage, res).Observe(timing.Duration.Seconds())
	if timing.Count > 0 {
		c.stageItems.WithLabelValues(timing.Operation, timing.Stage).Add(float64(timing.Count))
	}
}

// ObserveLoop records one polling loop iteration and its verdict
func (c *Collectors) ObserveLoop(duration time.Duration, reason string) {
	c.loopDuration.Observe(duration.Seconds())
	if reason != "" {
		c.verdicts.WithLabelValues(reason).Inc()
	}
}

// SetPendingActions records the size of the upload queue
func (c *Collectors) SetPendingActions(n int) {
	c.pendingActions.Set(float64(n))
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
