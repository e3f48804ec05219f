// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package usage buffers foreground usage in memory and commits it as
// ADD_USED_TIME actions in batches.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-timelimit/actions"
)

const (
	// CommitThreshold is the buffered usage after which an Adder commits on its own
	CommitThreshold = int64(10 * time.Second / time.Millisecond)
	// MaxDeltaPerTick is the most usage credited for one loop iteration
	MaxDeltaPerTick = int64(time.Second / time.Millisecond)
)

// Dispatcher dispatches the usage actions
type Dispatcher interface {
	DispatchAppLogicAction(ctx context.Context, a actions.AppLogicAction) error
}

// UsedTimeReader reads committed usage
type UsedTimeReader interface {
	GetUsedTime(ctx context.Context, categoryID string, dayOfEpoch int) (int64, error)
}

// Key identifies what buffered usage is attributed to
type Key struct {
	DayOfEpoch       int
	CategoryID       string
	ParentCategoryID string // empty if the category has no parent
}

func (k Key) categories() []string {
	if k.ParentCategoryID == "" {
		return []string{k.CategoryID}
	}
	return []string{k.CategoryID, k.ParentCategoryID}
}

// CapDelta clamps the usage of one loop iteration to [0, MaxDeltaPerTick]
func CapDelta(deltaMillis int64) int64 {
	return min(max(deltaMillis, 0), MaxDeltaPerTick)
}

// Adder buffers usage for one Key. It is not safe for concurrent use.
type Adder struct {
	key        Key
	dispatcher Dispatcher
	reader     UsedTimeReader

	persisted           map[string]int64
	timeToAdd           int64
	extraTimeToSubtract int64
}

// NewAdder creates an Adder and loads the committed usage of its categories
func NewAdder(ctx context.Context, key Key, dispatcher Dispatcher, reader UsedTimeReader) (*Adder, error) {
	a := &Adder{key: key, dispatcher: dispatcher, reader: reader}
	if err := a.refresh(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Key returns what the adder attributes usage to
func (a *Adder) Key() Key {
	return a.key
}

// AddUsedTime buffers deltaMillis and commits once the threshold is exceeded
func (a *Adder) AddUsedTime(ctx context.Context, deltaMillis int64, subtractFromExtraTime bool) error {
	if deltaMillis < 0 {
		return fmt.Errorf("used time delta must not be negative: %d", deltaMillis)
	}
	a.timeToAdd += deltaMillis
	if subtractFromExtraTime {
		a.extraTimeToSubtract += deltaMillis
	}
	if max(a.timeToAdd, a.extraTimeToSubtract) > CommitThreshold {
		return a.Commit(ctx)
	}
	return nil
}

// Commit dispatches the buffered usage as one action and resets the buffer
func (a *Adder) Commit(ctx context.Context) error {
	if a.timeToAdd == 0 {
		return nil
	}
	items := make([]actions.AddUsedTimeItem, 0, 2)
	for _, id := range a.key.categories() {
		items = append(items, actions.AddUsedTimeItem{
			CategoryID:          id,
			TimeToAdd:           a.timeToAdd,
			ExtraTimeToSubtract: a.extraTimeToSubtract,
		})
	}
	action, err := actions.NewAddUsedTimeAction(a.key.DayOfEpoch, items...)
	if err != nil {
		return err
	}
	if err := a.dispatcher.DispatchAppLogicAction(ctx, action); err != nil {
		return fmt.Errorf("failed to commit used time: %w", err)
	}
	a.timeToAdd = 0
	a.extraTimeToSubtract = 0
	return a.refresh(ctx)
}

func (a *Adder) refresh(ctx context.Context) error {
	persisted := make(map[string]int64, 2)
	for _, id := range a.key.categories() {
		used, err := a.reader.GetUsedTime(ctx, id, a.key.DayOfEpoch)
		if err != nil {
			return fmt.Errorf("failed to read used time of %s: %w", id, err)
		}
		persisted[id] = used
	}
	a.persisted = persisted
	return nil
}

// Pending returns the buffered, not yet committed counters
func (a *Adder) Pending() (timeToAdd, extraTimeToSubtract int64) {
	return a.timeToAdd, a.extraTimeToSubtract
}

// UsedTime returns the committed plus buffered usage of a category of the key
func (a *Adder) UsedTime(categoryID string) int64 {
	used, ok := a.persisted[categoryID]
	if !ok {
		return 0
	}
	return used + a.timeToAdd
}

// Manager owns the Adder of the currently used category and replaces it
// whenever the day or the category changes.
type Manager struct {
	mu         sync.Mutex
	dispatcher Dispatcher
	reader     UsedTimeReader
	logger     *slog.Logger
	current    *Adder
}

// NewManager creates a Manager
func NewManager(dispatcher Dispatcher, reader UsedTimeReader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dispatcher: dispatcher, reader: reader, logger: logger}
}

// Report credits usage of one loop iteration to key. Pending usage of a
// previous key is committed first.
func (m *Manager) Report(ctx context.Context, key Key, deltaMillis int64, subtractFromExtraTime bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Key() != key {
		if err := m.current.Commit(ctx); err != nil {
			return err
		}
		m.current = nil
	}
	if m.current == nil {
		adder, err := NewAdder(ctx, key, m.dispatcher, m.reader)
		if err != nil {
			return err
		}
		m.current = adder
		m.logger.Debug("tracking usage", "category", key.CategoryID, "parent", key.ParentCategoryID, "day", key.DayOfEpoch)
	}
	return m.current.AddUsedTime(ctx, CapDelta(deltaMillis), subtractFromExtraTime)
}

// Flush commits and drops the current adder
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	if err := m.current.Commit(ctx); err != nil {
		return err
	}
	m.current = nil
	return nil
}

// PendingFor returns the buffered usage attributed to categoryID on dayOfEpoch
func (m *Manager) PendingFor(categoryID string, dayOfEpoch int) int64 {
	return m.pending(categoryID, dayOfEpoch, func(a *Adder) int64 { return a.timeToAdd })
}

// PendingExtraTimeFor returns the buffered extra time consumption of
// categoryID on dayOfEpoch
func (m *Manager) PendingExtraTimeFor(categoryID string, dayOfEpoch int) int64 {
	return m.pending(categoryID, dayOfEpoch, func(a *Adder) int64 { return a.extraTimeToSubtract })
}

func (m *Manager) pending(categoryID string, dayOfEpoch int, value func(a *Adder) int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.key.DayOfEpoch != dayOfEpoch {
		return 0
	}
	for _, id := range m.current.key.categories() {
		if id == categoryID {
			return value(m.current)
		}
	}
	return 0
}
