package entity

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Healing kinds recognised by [HitPointPipeline]. Every other kind is damage.
const (
	KindHealing = "healing"
	KindTempHP  = "temphp"
)

// MaxAmount bounds the net damage, healing and temporary hit points a
// single application can produce.
const MaxAmount = math.MaxInt32

// HitPointPipeline is a minimal damage pipeline that adjusts the hit points
// stored in a [Store]. Entities here carry no damage traits, so Downgrade
// and Ignore have no effect; multiplier, direction filter and healing
// inversion are honoured.
type HitPointPipeline struct {
	store Store
	mu    sync.Mutex
}

// NewHitPointPipeline returns a pipeline writing through store.
func NewHitPointPipeline(store Store) *HitPointPipeline {
	return &HitPointPipeline{store: store}
}

// ApplyDamage sums damages after opts and writes the new hit points of
// actor. Entities without hit points are left untouched.
func (p *HitPointPipeline) ApplyDamage(ctx context.Context, actor types.Entity, damages []types.DamageDescriptor, opts types.DamageOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.store.Get(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("entity: apply damage to %q: %w", actor.ID, err)
	}
	if cur.HP == nil {
		return nil
	}

	amount, temp := Total(damages, opts)
	hp := *cur.HP

	if amount > 0 {
		absorbed := min(hp.Temp, amount)
		hp.Temp -= absorbed
		amount -= absorbed
	}
	hp.Value = max(hp.Value-amount, 0)
	if hp.Max > 0 {
		hp.Value = min(hp.Value, hp.Max)
	}
	hp.Temp = max(hp.Temp, temp)

	if hp == *cur.HP {
		return nil
	}
	cur.HP = &hp
	if err := p.store.Update(ctx, cur); err != nil {
		return fmt.Errorf("entity: apply damage to %q: %w", actor.ID, err)
	}
	return nil
}

// Total returns the net damage (negative for healing) and the temporary hit
// points granted by damages under opts. Amounts are scaled by the
// multiplier, truncated toward zero and clamped to [MaxAmount]; a
// non-finite total counts as zero.
func Total(damages []types.DamageDescriptor, opts types.DamageOptions) (amount, temp int) {
	var sum, tempSum float64
	for _, d := range damages {
		healing := d.Kind == KindHealing || d.Kind == KindTempHP
		if opts.InvertHealing && d.Kind == KindHealing {
			healing = false
		}
		switch {
		case opts.Only == types.OnlyDamage && healing:
			continue
		case opts.Only == types.OnlyHealing && !healing:
			continue
		}

		v := d.Amount * opts.Multiply()
		switch {
		case d.Kind == KindTempHP:
			tempSum += v
		case d.Kind == KindHealing && !opts.InvertHealing:
			sum -= v
		default:
			sum += v
		}
	}
	return clampAmount(sum), clampAmount(tempSum)
}

func clampAmount(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Trunc(max(min(v, MaxAmount), -MaxAmount)))
}
