// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncclient uploads the queued actions of a device to the sync server
// and pulls the family state back into the local store.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mobiletoly/go-timelimit/live"
	"github.com/mobiletoly/go-timelimit/localdb"
)

// State is the phase of the sync loop
type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StatePulling   State = "pulling"
	StateBackoff   State = "backoff"
)

// Status is published after every phase change of the sync loop
type Status struct {
	State       State
	LastError   string
	LastSuccess int64 // unix ms of the last complete round
}

// Recorder observes sync rounds
type Recorder interface {
	ObserveSync(operation string, duration time.Duration, count int, err error)
}

// Sync operations reported to the Recorder
const (
	OperationPush = "push"
	OperationPull = "pull"
)

// Config holds configuration for the sync client
type Config struct {
	MaxBatch     int           // e.g., 100 actions per push
	BackoffMin   time.Duration // 1s
	BackoffMax   time.Duration // 60s
	PullInterval time.Duration // periodic pull without push channel signals
	PushInterval time.Duration // minimum distance of pushes triggered by new actions
}

// DefaultConfig returns the default sync configuration
func DefaultConfig() *Config {
	return &Config{
		MaxBatch:     100,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		PullInterval: 15 * time.Minute,
		PushInterval: 5 * time.Second,
	}
}

// Client syncs one device with the server
type Client struct {
	DB       *localdb.DB
	BaseURL  string
	DeviceID string
	Token    func(context.Context) (string, error) // returns JWT
	HTTP     *http.Client
	Recorder Recorder
	config   *Config
	logger   *slog.Logger

	status  *live.Value[Status]
	trigger chan struct{}
	limiter *rate.Limiter
	roundMu sync.Mutex // one round at a time

	// Pause switch (atomic): lets callers suspend uploads deterministically
	uploadPaused int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a sync client; config may be nil for DefaultConfig
func NewClient(db *localdb.DB, baseURL, deviceID string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.PullInterval <= 0 {
		config.PullInterval = DefaultConfig().PullInterval
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = DefaultConfig().MaxBatch
	}
	limit := rate.Inf
	if config.PushInterval > 0 {
		limit = rate.Every(config.PushInterval)
	}
	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		DeviceID: deviceID,
		Token:    tok,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		config:   config,
		logger:   logger,
		status:   live.NewValue(Status{State: StateIdle}),
		trigger:  make(chan struct{}, 1),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Status exposes the live sync status
func (c *Client) Status() *live.Value[Status] { return c.status }

// PauseUploads suspends uploads; pulls continue
func (c *Client) PauseUploads() { atomic.StoreInt32(&c.uploadPaused, 1) }

// ResumeUploads resumes uploads
func (c *Client) ResumeUploads() { atomic.StoreInt32(&c.uploadPaused, 0) }

func (c *Client) uploadsPaused() bool { return atomic.LoadInt32(&c.uploadPaused) == 1 }

// RequestSync asks the loop for a round as soon as the push rate allows. It
// never blocks; requests arriving while one is pending are coalesced.
func (c *Client) RequestSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Start launches the background sync loop
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.syncLoop(ctx)
	}()
}

// Stop ends the sync loop and waits for it
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// syncLoop runs rounds on request, on the pull interval and, after a failure,
// with exponential backoff
func (c *Client) syncLoop(ctx context.Context) {
	backoff := c.config.BackoffMin
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		case <-timer.C:
		}

		err := c.Sync(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("sync round failed", "error", err, "retry_in", backoff)
			c.setStatus(StateBackoff, err)
			timer.Reset(backoff)
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
			continue
		}
		backoff = c.config.BackoffMin
		timer.Reset(c.config.PullInterval)
	}
}

// Sync runs one round: upload every queued action, then pull
func (c *Client) Sync(ctx context.Context) error {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()

	if !c.uploadsPaused() {
		c.setStatus(StateUploading, nil)
		if _, err := c.uploadAll(ctx); err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
	}
	c.setStatus(StatePulling, nil)
	if err := c.pull(ctx); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	c.status.Set(Status{State: StateIdle, LastSuccess: time.Now().UnixMilli()})
	return nil
}

// Upload pushes every queued action without pulling
func (c *Client) Upload(ctx context.Context) (int, error) {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()
	if c.uploadsPaused() {
		return 0, errors.New("uploads are paused")
	}
	return c.uploadAll(ctx)
}

// Pull fetches the family state without uploading
func (c *Client) Pull(ctx context.Context) error {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()
	return c.pull(ctx)
}

func (c *Client) setStatus(state State, err error) {
	prev := c.status.Get()
	next := Status{State: state, LastSuccess: prev.LastSuccess}
	if err != nil {
		next.LastError = err.Error()
	}
	c.status.Set(next)
}

func (c *Client) observe(operation string, start time.Time, count int, err error) {
	if c.Recorder != nil {
		c.Recorder.ObserveSync(operation, time.Since(start), count, err)
	}
}
