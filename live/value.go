// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package live provides observable values for state exposed to callers.
package live

import (
	"context"
	"sync"
)

// Value holds the latest value of type T. Setting an equal value is ignored,
// subscribers only see changes.
type Value[T comparable] struct {
	mu      sync.Mutex
	value   T
	changed chan struct{}
	subs    map[int]chan T
	nextSub int
}

// NewValue creates a Value holding initial
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{value: initial, changed: make(chan struct{}), subs: map[int]chan T{}}
}

// Get returns the current value
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set stores value and reports whether it differed from the previous one
func (v *Value[T]) Set(value T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.value == value {
		return false
	}
	v.value = value
	close(v.changed)
	v.changed = make(chan struct{})
	for _, ch := range v.subs {
		// keep only the latest value for slow subscribers
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
	return true
}

// Subscribe returns a channel receiving every change and a function ending the subscription
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextSub
	v.nextSub++
	ch := make(chan T, 1)
	v.subs[id] = ch
	return ch, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

// WaitUntil blocks until pred holds for the current value and returns it
func (v *Value[T]) WaitUntil(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		v.mu.Lock()
		value, changed := v.value, v.changed
		v.mu.Unlock()

		if pred(value) {
			return value, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Changed returns a channel closed on the next change
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}
