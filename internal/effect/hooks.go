package effect

import (
	"context"
	"sync"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// BeforeApplyFunc may veto an application by returning false. It runs before
// any lookup or mutation.
type BeforeApplyFunc func(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux Aux) bool

// AfterApplyFunc observes a newly created effect.
type AfterApplyFunc func(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, applied types.AppliedEffect, aux Aux)

// Hooks is a typed callback registry for the engine. The zero value is ready
// to use; registration is safe concurrently with application.
type Hooks struct {
	mu     sync.RWMutex
	before []BeforeApplyFunc
	after  []AfterApplyFunc
}

// OnBeforeApply registers fn as a pre-application veto.
func (h *Hooks) OnBeforeApply(fn BeforeApplyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, fn)
}

// OnAfterApply registers fn to observe created effects.
func (h *Hooks) OnAfterApply(fn AfterApplyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, fn)
}

// allow runs every before hook in registration order and stops at the first
// veto.
func (h *Hooks) allow(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, aux Aux) bool {
	if h == nil {
		return true
	}
	h.mu.RLock()
	fns := h.before
	h.mu.RUnlock()
	for _, fn := range fns {
		if !fn(ctx, actor, tpl, aux) {
			return false
		}
	}
	return true
}

func (h *Hooks) applied(ctx context.Context, actor types.Entity, tpl types.EffectTemplate, e types.AppliedEffect, aux Aux) {
	if h == nil {
		return
	}
	h.mu.RLock()
	fns := h.after
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, actor, tpl, e, aux)
	}
}
