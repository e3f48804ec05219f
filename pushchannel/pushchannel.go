// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pushchannel keeps a websocket open to the sync server and forwards
// its events. The connection exists only while the channel is enabled, the
// network is available and a token is known.
package pushchannel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-timelimit/live"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

const (
	// EventsPath is the websocket endpoint of the sync server
	EventsPath = "/sync/events"

	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	backoffMin = 1 * time.Second
	backoffMax = 60 * time.Second
)

// Handler receives the type of every event of the current connection
type Handler func(eventType string)

// Client is one device's push channel
type Client struct {
	url     string
	handler Handler
	logger  *slog.Logger
	Dialer  *websocket.Dialer

	mu               sync.Mutex
	enabled          bool
	networkAvailable bool
	token            string
	connID           string // id of the live connection, empty while disconnected
	conn             *websocket.Conn

	wake      chan struct{}
	connected *live.Value[bool]
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a disabled push channel for the server at baseURL
func New(baseURL string, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	url := strings.TrimSuffix(baseURL, "/") + EventsPath
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return &Client{
		url:       url,
		handler:   handler,
		logger:    logger,
		Dialer:    websocket.DefaultDialer,
		wake:      make(chan struct{}, 1),
		connected: live.NewValue(false),
	}
}

// Connected reports whether the channel currently holds a connection
func (c *Client) Connected() *live.Value[bool] { return c.connected }

// SetEnabled turns the channel on or off
func (c *Client) SetEnabled(enabled bool) {
	c.update(func() { c.enabled = enabled })
}

// SetNetworkAvailable reports connectivity changes
func (c *Client) SetNetworkAvailable(available bool) {
	c.update(func() { c.networkAvailable = available })
}

// SetToken replaces the device token; an empty token disconnects
func (c *Client) SetToken(token string) {
	c.update(func() {
		if token != c.token {
			c.token = token
			c.dropLocked()
		}
	})
}

func (c *Client) update(fn func()) {
	c.mu.Lock()
	fn()
	if !c.wantedLocked() {
		c.dropLocked()
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) wantedLocked() bool {
	return c.enabled && c.networkAvailable && c.token != ""
}

// dropLocked closes the live connection; its reader stops delivering events
func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.connID = nil, ""
	c.connected.Set(false)
}

// Start launches the connection supervisor
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise(ctx)
	}()
}

// Stop closes the connection and waits for the supervisor
func (c *Client) Stop() {
	c.mu.Lock()
	c.enabled = false
	c.dropLocked()
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Client) supervise(ctx context.Context) {
	backoff := backoffMin
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-retry:
			retry = nil
		}

		c.mu.Lock()
		need := c.wantedLocked() && c.conn == nil
		token := c.token
		c.mu.Unlock()
		if !need {
			continue
		}

		conn, err := c.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("push channel connect failed", "error", err, "retry_in", backoff)
			retry = time.After(backoff)
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffMin

		c.mu.Lock()
		if !c.wantedLocked() || c.token != token || c.conn != nil {
			// conditions changed while dialing
			c.mu.Unlock()
			_ = conn.Close()
			c.signal()
			continue
		}
		id := uuid.NewString()
		c.conn, c.connID = conn, id
		c.connected.Set(true)
		c.mu.Unlock()
		c.logger.Debug("push channel connected", "connection_id", id)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.read(conn, id)
			if c.release(id) {
				// lost connection that was still wanted
				c.signal()
			}
		}()
	}
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := c.Dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Join(err, errors.New(resp.Status))
		}
		return nil, err
	}
	return conn, nil
}

// release forgets the connection if id is still the current one
func (c *Client) release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connID != id {
		return false
	}
	c.dropLocked()
	return c.wantedLocked()
}

func (c *Client) current(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID == id
}

func (c *Client) read(conn *websocket.Conn, id string) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		var event syncserver.Event
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.current(id) {
				c.logger.Debug("push channel closed", "connection_id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		// events of a replaced connection are stale
		if !c.current(id) {
			return
		}
		if c.handler != nil && event.Type != "" {
			c.handler(event.Type)
		}
	}
}
