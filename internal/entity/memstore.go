package entity

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/etiquettestartshere/effectivetray/internal/target"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var (
	_ Store           = (*MemStore)(nil)
	_ target.Resolver = (*MemStore)(nil)
)

// MemStore is a thread-safe, in-memory implementation of [Store]. It also
// resolves target identifiers for the partitioner.
// The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	entities map[string]types.Entity
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		entities: make(map[string]types.Entity),
	}
}

// Add implements [Store.Add].
func (s *MemStore) Add(_ context.Context, e types.Entity) (types.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := Validate(e); err != nil {
		return types.Entity{}, fmt.Errorf("entity: add %q: %w", e.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities == nil {
		s.entities = make(map[string]types.Entity)
	}
	if _, exists := s.entities[e.ID]; exists {
		return types.Entity{}, ErrDuplicateID
	}

	s.entities[e.ID] = clone(e)
	return clone(e), nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return types.Entity{}, ErrNotFound
	}
	return clone(e), nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, opts ListOptions) ([]types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if opts.OwnedBy != nil && !e.IsOwner(*opts.OwnedBy) {
			continue
		}
		result = append(result, clone(e))
	}
	slices.SortFunc(result, func(a, b types.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(_ context.Context, e types.Entity) error {
	if err := Validate(e); err != nil {
		return fmt.Errorf("entity: update %q: %w", e.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[e.ID]; !ok {
		return ErrNotFound
	}
	s.entities[e.ID] = clone(e)
	return nil
}

// Remove implements [Store.Remove].
func (s *MemStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[id]; !ok {
		return ErrNotFound
	}
	delete(s.entities, id)
	return nil
}

// BulkImport implements [Store.BulkImport].
func (s *MemStore) BulkImport(ctx context.Context, entities []types.Entity) (int, error) {
	count := 0
	for _, e := range entities {
		if _, err := s.Add(ctx, e); err != nil {
			return count, fmt.Errorf("entity: bulk import at index %d (name %q): %w", count, e.Name, err)
		}
		count++
	}
	return count, nil
}

// Lookup implements [target.Resolver]. The store is always in memory, so
// every identifier resolves synchronously or not at all.
func (s *MemStore) Lookup(id string) (types.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return types.Entity{}, false
	}
	return clone(e), true
}

// Resolve implements [target.Resolver].
func (s *MemStore) Resolve(_ context.Context, id string) (types.Entity, error) {
	if e, ok := s.Lookup(id); ok {
		return e, nil
	}
	return types.Entity{}, fmt.Errorf("entity %q: %w", id, target.ErrUnresolvable)
}

// Names returns the display names of all entities, ordered by ID.
func (s *MemStore) Names() []string {
	all, _ := s.List(context.Background(), ListOptions{})
	names := make([]string, 0, len(all))
	for _, e := range all {
		names = append(names, e.Name)
	}
	return names
}

// FindByName returns the entity whose name best matches name. An exact
// case-insensitive match wins; otherwise the fuzzy [Matcher] picks one.
func (s *MemStore) FindByName(name string, m *Matcher) (types.Entity, bool) {
	all, _ := s.List(context.Background(), ListOptions{})
	for _, e := range all {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	if m == nil {
		m = NewMatcher()
	}
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.Name
	}
	best, _, ok := m.Match(name, names)
	if !ok {
		return types.Entity{}, false
	}
	for _, e := range all {
		if e.Name == best {
			return e, true
		}
	}
	return types.Entity{}, false
}

func clone(e types.Entity) types.Entity {
	e.Ownership = maps.Clone(e.Ownership)
	if e.HP != nil {
		hp := *e.HP
		e.HP = &hp
	}
	return e
}
