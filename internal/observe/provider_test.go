package observe_test

import (
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/etiquettestartshere/effectivetray/internal/observe"
)

func TestResource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         observe.ProviderConfig
		wantService string
		wantRole    string
		wantID      string
	}{
		{
			name:        "authority node",
			cfg:         observe.ProviderConfig{ServiceVersion: "1.2.3", ParticipantID: "gm", Role: observe.RoleFor(true)},
			wantService: "effectivetray",
			wantRole:    observe.RoleAuthority,
			wantID:      "gm",
		},
		{
			name:        "participant defaults its role",
			cfg:         observe.ProviderConfig{ParticipantID: "alice"},
			wantService: "effectivetray",
			wantRole:    observe.RoleParticipant,
			wantID:      "alice",
		},
		{
			name:        "relay",
			cfg:         observe.ProviderConfig{ServiceName: "effectiv-relay"},
			wantService: "effectiv-relay",
			wantRole:    observe.RoleRelay,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := observe.Resource(tt.cfg)
			if err != nil {
				t.Fatalf("Resource: %v", err)
			}
			set := res.Set()
			if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != tt.wantService {
				t.Errorf("service.name = %q, want %q", v.AsString(), tt.wantService)
			}
			if v, _ := set.Value(observe.AttrRole); v.AsString() != tt.wantRole {
				t.Errorf("role = %q, want %q", v.AsString(), tt.wantRole)
			}
			v, ok := set.Value(observe.AttrParticipantID)
			if tt.wantID == "" && ok {
				t.Errorf("relay resource carries participant %q", v.AsString())
			}
			if tt.wantID != "" && v.AsString() != tt.wantID {
				t.Errorf("participant = %q, want %q", v.AsString(), tt.wantID)
			}
		})
	}
}

func TestResource_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := observe.Resource(observe.ProviderConfig{Role: "spectator"}); err == nil {
		t.Error("expected an error for an unknown role")
	}
}
