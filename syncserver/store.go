// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFamilyNotFound is returned for unknown family ids
	ErrFamilyNotFound = errors.New("family not found")
	// ErrFamilyExists is returned when creating a family id twice
	ErrFamilyExists = errors.New("family already exists")
)

// Store persists family states. Update runs fn on a private copy and commits the
// copy only if fn returns nil; updates of the same family are serialized.
type Store interface {
	Create(ctx context.Context, s *FamilyState) error
	Load(ctx context.Context, familyID string) (*FamilyState, error)
	Update(ctx context.Context, familyID string, fn func(s *FamilyState) error) error
}

// MemoryStore keeps families in process memory
type MemoryStore struct {
	mu       sync.Mutex
	families map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{families: map[string][]byte{}}
}

func (m *MemoryStore) Create(_ context.Context, s *FamilyState) error {
	data, err := encodeState(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.families[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrFamilyExists, s.ID)
	}
	m.families[s.ID] = data
	return nil
}

func (m *MemoryStore) Load(_ context.Context, familyID string) (*FamilyState, error) {
	m.mu.Lock()
	data, ok := m.families[familyID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFamilyNotFound, familyID)
	}
	return decodeState(data)
}

func (m *MemoryStore) Update(_ context.Context, familyID string, fn func(s *FamilyState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.families[familyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFamilyNotFound, familyID)
	}
	s, err := decodeState(data)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	updated, err := encodeState(s)
	if err != nil {
		return err
	}
	m.families[familyID] = updated
	return nil
}
