package effect_test

import (
	"context"
	"errors"
	"testing"

	"github.com/etiquettestartshere/effectivetray/internal/config"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

func TestCatalog(t *testing.T) {
	t.Parallel()
	c := effect.NewCatalog(bless)

	got, err := c.Template(context.Background(), bless.ID)
	if err != nil || got.Name != "Bless" {
		t.Fatalf("Template = %+v, %v", got, err)
	}
	if _, err := c.Template(context.Background(), "nope"); !errors.Is(err, effect.ErrNotFound) {
		t.Errorf("Template(nope): got %v, want ErrNotFound", err)
	}

	var zero effect.Catalog
	zero.Put(types.EffectTemplate{ID: "x"})
	if _, err := zero.Template(context.Background(), "x"); err != nil {
		t.Errorf("zero Catalog: %v", err)
	}
}

func TestApplicable(t *testing.T) {
	t.Parallel()

	timedTransfer := types.EffectTemplate{ID: "timed", Transfer: true, Duration: types.Duration{Rounds: 1}}
	passive := types.EffectTemplate{ID: "passive", Transfer: true}
	plain := types.EffectTemplate{ID: "plain"}
	tpls := []types.EffectTemplate{timedTransfer, passive, plain}

	keep := config.DefaultOptions()
	keep.RemoveTransfer = false

	tests := []struct {
		name string
		opts config.Options
		want []string
	}{
		{"remove transfer", config.DefaultOptions(), []string{"timed", "plain"}},
		{"keep transfer", keep, []string{"plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := effect.Applicable(tt.opts, tpls)
			if len(got) != len(tt.want) {
				t.Fatalf("Applicable = %v, want %v", got, tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id || got[i].Transfer {
					t.Errorf("Applicable[%d] = %+v, want non-transfer %q", i, got[i], id)
				}
			}
		})
	}
	if !tpls[0].Transfer {
		t.Error("Applicable must not mutate its input")
	}
}
