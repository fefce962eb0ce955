// Package mock provides an in-memory mock implementation of [damage.Pipeline]
// for use in unit tests.
//
// The mock records every call and returns the configured error. It is safe
// for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/etiquettestartshere/effectivetray/internal/damage"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var _ damage.Pipeline = (*Pipeline)(nil)

// ApplyDamageCall records the arguments of a single [Pipeline.ApplyDamage] call.
type ApplyDamageCall struct {
	Actor   types.Entity
	Damages []types.DamageDescriptor
	Opts    types.DamageOptions
}

// Pipeline is a mock [damage.Pipeline].
type Pipeline struct {
	mu sync.Mutex

	// ApplyDamageError is returned by [Pipeline.ApplyDamage].
	ApplyDamageError error

	calls []ApplyDamageCall
}

// ApplyDamage implements [damage.Pipeline].
func (p *Pipeline) ApplyDamage(_ context.Context, actor types.Entity, damages []types.DamageDescriptor, opts types.DamageOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ApplyDamageCall{Actor: actor, Damages: damages, Opts: opts})
	return p.ApplyDamageError
}

// Calls returns a copy of the recorded calls.
func (p *Pipeline) Calls() []ApplyDamageCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ApplyDamageCall(nil), p.calls...)
}
