package bus_test

import (
	"context"
	"testing"

	"github.com/etiquettestartshere/effectivetray/internal/bus"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

type inbox struct{ got []dispatch.Envelope }

func (i *inbox) receive(_ context.Context, env dispatch.Envelope) { i.got = append(i.got, env) }

func TestBus_Routing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.New()
	gm := b.Join(types.Participant{ID: "gm", Authority: true})
	alice := b.Join(types.Participant{ID: "alice"})
	bob := b.Join(types.Participant{ID: "bob"})

	var gmIn, aliceIn, bobIn inbox
	gm.Subscribe(gmIn.receive)
	alice.Subscribe(aliceIn.receive)
	bob.Subscribe(bobIn.receive)

	_ = alice.Send(ctx, dispatch.Envelope{Kind: dispatch.KindEffect, Sender: "alice"})
	_ = gm.Send(ctx, dispatch.Envelope{Kind: dispatch.KindLink, Sender: "gm", To: "bob"})

	if len(gmIn.got) != 1 || gmIn.got[0].Kind != dispatch.KindEffect {
		t.Errorf("gm received %v, want the broadcast", gmIn.got)
	}
	if len(aliceIn.got) != 0 {
		t.Errorf("alice received %v, want nothing (own echo and not addressed)", aliceIn.got)
	}
	if len(bobIn.got) != 2 || bobIn.got[1].Kind != dispatch.KindLink {
		t.Errorf("bob received %v, want broadcast then link", bobIn.got)
	}
}

func TestBus_RosterAndLeave(t *testing.T) {
	t.Parallel()
	b := bus.New()
	alice := b.Join(types.Participant{ID: "alice"})
	gm := b.Join(types.Participant{ID: "gm", Authority: true})

	ps := alice.Participants()
	if len(ps) != 2 || ps[0].ID != "alice" || ps[1].ID != "gm" || !ps[0].Active {
		t.Fatalf("Participants = %+v", ps)
	}
	if !dispatch.IsAuthority(gm) || dispatch.IsAuthority(alice) {
		t.Error("gm should be the only authority")
	}

	gm.Leave()
	if _, ok := dispatch.CurrentAuthority(alice.Participants()); ok {
		t.Error("no authority should remain after gm leaves")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	b := bus.New()
	gm := b.Join(types.Participant{ID: "gm"})
	alice := b.Join(types.Participant{ID: "alice"})

	var in inbox
	stop := gm.Subscribe(in.receive)
	stop()
	_ = alice.Send(context.Background(), dispatch.Envelope{Sender: "alice"})
	if len(in.got) != 0 {
		t.Error("unsubscribed handler should not run")
	}
}
