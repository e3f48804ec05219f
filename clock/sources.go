// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProcessUptime measures uptime with the monotonic clock of the running process
type ProcessUptime struct {
	start time.Time
}

func NewProcessUptime() *ProcessUptime {
	return &ProcessUptime{start: time.Now()}
}

func (p *ProcessUptime) Uptime() time.Duration {
	return time.Since(p.start)
}

// WallClock is the system clock
type WallClock struct{}

func (WallClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// TimeResponse is the body of the sync server time endpoint
type TimeResponse struct {
	Millis int64 `json:"ms"`
}

// HTTPNetworkClock reads the current time from the sync server
type HTTPNetworkClock struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPNetworkClock creates a network clock for the server at baseURL
func NewHTTPNetworkClock(baseURL string) *HTTPNetworkClock {
	return &HTTPNetworkClock{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: MaxRoundTrip},
	}
}

func (c *HTTPNetworkClock) TimeInMillis(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/time", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr TimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return 0, fmt.Errorf("failed to decode time response: %w", err)
	}
	if tr.Millis <= 0 {
		return 0, fmt.Errorf("server returned invalid time %d", tr.Millis)
	}
	return tr.Millis, nil
}
