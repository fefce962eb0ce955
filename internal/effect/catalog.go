package effect

import (
	"context"
	"fmt"
	"sync"

	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var _ TemplateSource = (*Catalog)(nil)

// Catalog is an in-memory [TemplateSource]. The zero value is ready to use.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]types.EffectTemplate
}

// NewCatalog returns a catalog holding tpls.
func NewCatalog(tpls ...types.EffectTemplate) *Catalog {
	c := &Catalog{}
	for _, t := range tpls {
		c.Put(t)
	}
	return c
}

// Put adds or replaces a template.
func (c *Catalog) Put(t types.EffectTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.templates == nil {
		c.templates = make(map[string]types.EffectTemplate)
	}
	c.templates[t.ID] = t
}

// Template implements [TemplateSource].
func (c *Catalog) Template(_ context.Context, id string) (types.EffectTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return types.EffectTemplate{}, fmt.Errorf("effect: template %q: %w", id, ErrNotFound)
	}
	return t, nil
}

// Applicable returns the templates a participant may apply from an item.
// Templates that still transfer passively are skipped. With RemoveTransfer
// on, timed templates lose their transfer flag first, so they become
// applicable.
func Applicable(o config.Options, tpls []types.EffectTemplate) []types.EffectTemplate {
	out := make([]types.EffectTemplate, 0, len(tpls))
	for _, t := range tpls {
		if o.RemoveTransfer && t.Transfer && !t.Duration.IsZero() {
			t.Transfer = false
		}
		if t.Transfer {
			continue
		}
		out = append(out, t)
	}
	return out
}
