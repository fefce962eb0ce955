package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Relay
	if cfg.Relay.URL != "" {
		u, err := url.Parse(cfg.Relay.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("relay.url %q is invalid: %w", cfg.Relay.URL, err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("relay.url %q must use the ws or wss scheme", cfg.Relay.URL))
		}
		if cfg.Participant.ID == "" {
			errs = append(errs, errors.New("participant.id is required when relay.url is set"))
		}
	}
	if cfg.Relay.ReconnectInitialBackoff < 0 || cfg.Relay.ReconnectMaxBackoff < 0 {
		errs = append(errs, errors.New("relay reconnect backoffs must not be negative"))
	}
	if cfg.Relay.ReconnectMaxBackoff > 0 && cfg.Relay.ReconnectInitialBackoff > cfg.Relay.ReconnectMaxBackoff {
		errs = append(errs, fmt.Errorf("relay.reconnect_initial_backoff %s exceeds relay.reconnect_max_backoff %s",
			cfg.Relay.ReconnectInitialBackoff, cfg.Relay.ReconnectMaxBackoff))
	}

	// Discord
	if cfg.Discord.Token != "" && cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
	}
	if cfg.Discord.Token == "" && cfg.Discord.ChannelID != "" {
		slog.Warn("discord.channel_id is set without discord.token; warnings will only be logged")
	}

	// Store
	if cfg.Store.PostgresDSN == "" && cfg.Participant.Authority {
		slog.Warn("store.postgres_dsn is empty; applied effects will not survive a restart")
	}

	errs = append(errs, ValidateOptions(cfg.Options)...)
	return errors.Join(errs...)
}

// ValidateOptions checks the option table and returns every problem found.
func ValidateOptions(o Options) []error {
	var errs []error
	if o.VisibilityTierFilter != "" && !o.VisibilityTierFilter.IsValid() {
		errs = append(errs, fmt.Errorf("options.visibility_tier_filter %q is invalid; valid values: none, limited, observer, owner, gm", o.VisibilityTierFilter))
	}
	if o.DispositionFilter != "" && !o.DispositionFilter.IsValid() {
		errs = append(errs, fmt.Errorf("options.disposition_filter %q is invalid; valid values: none, secret, hostile, neutral", o.DispositionFilter))
	}
	if o.DelegateDamageToTargets && !o.AllowDelegationToTargets {
		slog.Warn("options.delegate_damage_to_targets is enabled while allow_delegation_to_targets is disabled; only damage will be delegated")
	}
	return errs
}
