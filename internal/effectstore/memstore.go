// Package effectstore provides [effect.Store] implementations: an in-memory
// store for single-process sessions and tests, and a PostgreSQL store for
// authorities that must survive restarts.
package effectstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var _ effect.Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [effect.Store]. Records are cloned on
// the way in and out, so callers never share state with the store.
// The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	effects map[string][]types.AppliedEffect // by entity ID, oldest first
	now     func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{effects: make(map[string][]types.AppliedEffect)}
}

func (s *MemStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// List implements [effect.Store].
func (s *MemStore) List(_ context.Context, entityID string) ([]types.AppliedEffect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.effects[entityID]
	out := make([]types.AppliedEffect, len(src))
	for i, e := range src {
		out[i] = e.Clone()
	}
	return out, nil
}

// Get implements [effect.Store].
func (s *MemStore) Get(_ context.Context, ref types.EffectRef) (types.AppliedEffect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.index(ref)
	if i < 0 {
		return types.AppliedEffect{}, fmt.Errorf("effectstore: get %s: %w", ref, effect.ErrNotFound)
	}
	return s.effects[ref.EntityID][i].Clone(), nil
}

// FindByOrigin implements [effect.Store].
func (s *MemStore) FindByOrigin(_ context.Context, entityID, origin string) (types.AppliedEffect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if origin != "" {
		for _, e := range s.effects[entityID] {
			if e.Origin == origin {
				return e.Clone(), nil
			}
		}
	}
	return types.AppliedEffect{}, effect.ErrNotFound
}

// Create implements [effect.Store].
func (s *MemStore) Create(_ context.Context, e types.AppliedEffect) (types.AppliedEffect, error) {
	if e.EntityID == "" {
		return types.AppliedEffect{}, fmt.Errorf("effectstore: create: entity id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.effects == nil {
		s.effects = make(map[string][]types.AppliedEffect)
	}
	for _, cur := range s.effects[e.EntityID] {
		if cur.ID == e.ID {
			return types.AppliedEffect{}, fmt.Errorf("effectstore: create %s: id already exists", e.Ref())
		}
		if e.Origin != "" && cur.Origin == e.Origin {
			return types.AppliedEffect{}, fmt.Errorf("effectstore: create on %q: %w", e.EntityID, effect.ErrDuplicateOrigin)
		}
	}

	now := s.clock()
	e = e.Clone()
	e.CreatedAt, e.UpdatedAt = now, now
	s.effects[e.EntityID] = append(s.effects[e.EntityID], e)
	return e.Clone(), nil
}

// Update implements [effect.Store].
func (s *MemStore) Update(_ context.Context, e types.AppliedEffect) (types.AppliedEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(e.Ref())
	if i < 0 {
		return types.AppliedEffect{}, fmt.Errorf("effectstore: update %s: %w", e.Ref(), effect.ErrNotFound)
	}
	list := s.effects[e.EntityID]
	for j, cur := range list {
		if j != i && e.Origin != "" && cur.Origin == e.Origin {
			return types.AppliedEffect{}, fmt.Errorf("effectstore: update %s: %w", e.Ref(), effect.ErrDuplicateOrigin)
		}
	}

	e = e.Clone()
	e.CreatedAt = list[i].CreatedAt
	e.UpdatedAt = s.clock()
	list[i] = e
	return e.Clone(), nil
}

// Delete implements [effect.Store].
func (s *MemStore) Delete(_ context.Context, ref types.EffectRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(ref)
	if i < 0 {
		return fmt.Errorf("effectstore: delete %s: %w", ref, effect.ErrNotFound)
	}
	s.effects[ref.EntityID] = slices.Delete(s.effects[ref.EntityID], i, i+1)
	if len(s.effects[ref.EntityID]) == 0 {
		delete(s.effects, ref.EntityID)
	}
	return nil
}

// AddDependent implements [effect.Store].
func (s *MemStore) AddDependent(_ context.Context, source, dependent types.EffectRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(source)
	if i < 0 {
		return fmt.Errorf("effectstore: add dependent to %s: %w", source, effect.ErrNotFound)
	}
	src := &s.effects[source.EntityID][i]
	if slices.Contains(src.Dependents, dependent) {
		return nil
	}
	src.Dependents = append(src.Dependents, dependent)
	src.UpdatedAt = s.clock()
	return nil
}

// index returns the position of ref in its entity's list, or -1.
// Callers hold s.mu.
func (s *MemStore) index(ref types.EffectRef) int {
	return slices.IndexFunc(s.effects[ref.EntityID], func(e types.AppliedEffect) bool {
		return e.ID == ref.EffectID
	})
}
