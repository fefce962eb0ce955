package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/etiquettestartshere/effectivetray/internal/dispatch"
	"github.com/etiquettestartshere/effectivetray/internal/dispatch/mock"
	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

var (
	gm    = types.Participant{ID: "gm", Name: "GM", Authority: true, Active: true}
	gm2   = types.Participant{ID: "gm2", Name: "Co-GM", Authority: true, Active: true}
	alice = types.Participant{ID: "alice", Name: "Alice", Active: true}
	bob   = types.Participant{ID: "bob", Name: "Bob", Active: true}
)

func TestCurrentAuthority(t *testing.T) {
	t.Parallel()

	offline := gm
	offline.Active = false

	tests := []struct {
		name   string
		ps     []types.Participant
		wantID string
		wantOK bool
	}{
		{"none", []types.Participant{alice, bob}, "", false},
		{"single", []types.Participant{alice, gm}, "gm", true},
		{"smallest id wins", []types.Participant{gm2, alice, gm}, "gm", true},
		{"inactive skipped", []types.Participant{offline, gm2}, "gm2", true},
		{"only inactive", []types.Participant{offline}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := dispatch.CurrentAuthority(tt.ps)
			if ok != tt.wantOK || got.ID != tt.wantID {
				t.Errorf("CurrentAuthority = (%q, %v), want (%q, %v)", got.ID, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestDelegate_NoAuthority(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{}
	notifier := &mock.Notifier{}
	d := dispatch.New(ch, &mock.Roster{SelfParticipant: alice, Others: []types.Participant{bob}},
		dispatch.WithNotifier(notifier))

	err := d.Delegate(context.Background(), dispatch.KindEffect, dispatch.EffectPayload{Targets: []string{"ogre"}})
	if !errors.Is(err, dispatch.ErrNoAuthority) {
		t.Fatalf("Delegate: got %v, want ErrNoAuthority", err)
	}
	if len(ch.Sent()) != 0 {
		t.Error("nothing may be sent without an authority")
	}
	if w := notifier.Warnings(); len(w) != 1 || w[0] != dispatch.NoAuthorityMessage {
		t.Errorf("warnings = %v, want one no-authority warning", w)
	}
}

func TestDelegate_Broadcasts(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{}
	d := dispatch.New(ch, &mock.Roster{SelfParticipant: alice, Others: []types.Participant{gm}})

	payload := dispatch.EffectPayload{Origin: dispatch.TemplateRef{ID: "bless"}, Targets: []string{"ogre"}}
	if err := d.Delegate(context.Background(), dispatch.KindEffect, payload); err != nil {
		t.Fatalf("Delegate: unexpected error: %v", err)
	}
	sent := ch.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(sent))
	}
	env := sent[0]
	if env.Kind != dispatch.KindEffect || env.Sender != "alice" || env.To != "" || env.ID == "" {
		t.Errorf("envelope = %+v", env)
	}
	var got dispatch.EffectPayload
	if err := env.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Origin.ID != "bless" || len(got.Targets) != 1 || got.Targets[0] != "ogre" {
		t.Errorf("payload = %+v", got)
	}
}

func TestDelegate_SendError(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{SendError: errors.New("closed")}
	d := dispatch.New(ch, &mock.Roster{SelfParticipant: alice, Others: []types.Participant{gm}})
	if err := d.Delegate(context.Background(), dispatch.KindDamage, map[string]any{}); err == nil {
		t.Error("Delegate: expected send error")
	}
}

func TestSendLink_IsAddressed(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{}
	d := dispatch.New(ch, &mock.Roster{SelfParticipant: bob})

	req := effect.LinkRequest{
		UserID:        "alice",
		Concentration: types.EffectRef{EntityID: "wizard", EffectID: "c1"},
		Dependent:     types.EffectRef{EntityID: "fighter", EffectID: "d1"},
	}
	if err := d.SendLink(context.Background(), req); err != nil {
		t.Fatalf("SendLink: unexpected error: %v", err)
	}
	env := ch.Sent()[0]
	if env.Kind != dispatch.KindLink || env.To != "alice" {
		t.Errorf("envelope = %+v, want link addressed to alice", env)
	}
	var got effect.LinkRequest
	_ = env.Decode(&got)
	if got != req {
		t.Errorf("link request = %+v, want %+v", got, req)
	}
}

func TestAccepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		self types.Participant
		env  dispatch.Envelope
		want bool
	}{
		{"authority takes broadcast", gm, dispatch.Envelope{Sender: "alice"}, true},
		{"player ignores broadcast", bob, dispatch.Envelope{Sender: "alice"}, false},
		{"authority ignores own echo", gm, dispatch.Envelope{Sender: "gm"}, false},
		{"addressee takes addressed", bob, dispatch.Envelope{Sender: "alice", To: "bob"}, true},
		{"authority ignores addressed to other", gm, dispatch.Envelope{Sender: "alice", To: "bob"}, false},
		{"second authority ignores broadcast", gm2, dispatch.Envelope{Sender: "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var others []types.Participant
			for _, p := range []types.Participant{gm, gm2, alice, bob} {
				if p.ID != tt.self.ID {
					others = append(others, p)
				}
			}
			d := dispatch.New(&mock.Channel{}, &mock.Roster{SelfParticipant: tt.self, Others: others})
			if got := d.Accepts(tt.env); got != tt.want {
				t.Errorf("Accepts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReceive_DispatchesByKind(t *testing.T) {
	t.Parallel()
	ch := &mock.Channel{}
	d := dispatch.New(ch, &mock.Roster{SelfParticipant: gm, Others: []types.Participant{alice}})

	var effects, damages atomic.Int32
	d.Handle(dispatch.KindEffect, func(context.Context, dispatch.Envelope) error {
		effects.Add(1)
		return nil
	})
	d.Handle(dispatch.KindDamage, func(context.Context, dispatch.Envelope) error {
		damages.Add(1)
		return errors.New("pipeline exploded")
	})
	stop := d.Start()

	ctx := context.Background()
	ch.Deliver(ctx, dispatch.Envelope{Kind: dispatch.KindEffect, Sender: "alice", Data: json.RawMessage(`{}`)})
	ch.Deliver(ctx, dispatch.Envelope{Kind: dispatch.KindDamage, Sender: "alice", Data: json.RawMessage(`{}`)})
	ch.Deliver(ctx, dispatch.Envelope{Kind: dispatch.KindEffect, Sender: "gm", Data: json.RawMessage(`{}`)})
	ch.Deliver(ctx, dispatch.Envelope{Kind: "unknown", Sender: "alice"})

	if effects.Load() != 1 || damages.Load() != 1 {
		t.Errorf("handler calls: effect=%d damage=%d, want 1 and 1", effects.Load(), damages.Load())
	}

	stop()
	if ch.Subscribers() != 0 {
		t.Error("stop should unsubscribe")
	}
}
