// Package config loads the TOML configuration used by the bridge and
// crypto-engine daemons, in the style of the teacher corpus's TOML-based
// service configs.
package config

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport selects which Channel Driver the Bridge uses for main traffic.
type Transport string

const (
	TransportRelay Transport = "relay"
	TransportPeer  Transport = "peer"
)

// Reliable carries the retransmit tuning knobs for one subscription.
type Reliable struct {
	Enabled             bool    `toml:"enabled"`
	RetransmitTimeoutMs int     `toml:"retransmit_timeout_ms"`
	MaxRetransmitMs     int     `toml:"max_retransmit_ms"`
	Backoff             float64 `toml:"backoff"`
	MaxAttempts         int     `toml:"max_attempts"`
}

// Channel carries the per-channel subscription policy.
type Channel struct {
	Name             string `toml:"name"`
	RequiresCLIReady bool   `toml:"requires_cli_ready"`
	Reliable         Reliable `toml:"reliable"`
}

// Config is the top-level bridge/crypto-engine configuration document.
type Config struct {
	Transport Transport `toml:"transport"`

	SubscribeTimeoutMs int `toml:"subscribe_timeout_ms"`
	GraceCloseMs       int `toml:"grace_close_ms"`

	Channels []Channel `toml:"channel"`

	LogLevel          string `toml:"log_level"`
	StatePath         string `toml:"state_path"`
	CryptoEngineSocket string `toml:"crypto_engine_socket"`
	MetricsListenAddr string `toml:"metrics_listen_addr"`

	RelayURL string `toml:"relay_url"`
}

// Default returns the spec-mandated defaults (§6 Configuration options).
func Default() Config {
	return Config{
		Transport:          TransportRelay,
		SubscribeTimeoutMs: 10000,
		GraceCloseMs:       2000,
		LogLevel:           "info",
		StatePath:          "ratchethub.bolt",
		CryptoEngineSocket: "/run/ratchethub/cryptoengine.sock",
	}
}

// DefaultReliable returns the spec-mandated retransmit defaults (§4.2/§6).
func DefaultReliable() Reliable {
	return Reliable{
		Enabled:             true,
		RetransmitTimeoutMs: 3000,
		MaxRetransmitMs:     30000,
		Backoff:             1.5,
		MaxAttempts:         10,
	}
}

// Load parses a TOML document at path over Default(), then fills each
// channel's zero-valued numeric retransmit knobs from DefaultReliable() so a
// partial config file is valid. Reliable.Enabled is not defaulted: an
// omitted enabled key stays false.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Transport != TransportRelay && cfg.Transport != TransportPeer {
		return Config{}, errors.New("config: transport must be \"relay\" or \"peer\"")
	}
	defReliable := DefaultReliable()
	for i := range cfg.Channels {
		r := &cfg.Channels[i].Reliable
		if r.RetransmitTimeoutMs == 0 {
			r.RetransmitTimeoutMs = defReliable.RetransmitTimeoutMs
		}
		if r.MaxRetransmitMs == 0 {
			r.MaxRetransmitMs = defReliable.MaxRetransmitMs
		}
		if r.Backoff == 0 {
			r.Backoff = defReliable.Backoff
		}
		if r.MaxAttempts == 0 {
			r.MaxAttempts = defReliable.MaxAttempts
		}
	}
	return cfg, nil
}

// SubscribeTimeout returns SubscribeTimeoutMs as a time.Duration.
func (c Config) SubscribeTimeout() time.Duration {
	return time.Duration(c.SubscribeTimeoutMs) * time.Millisecond
}

// GraceClose returns GraceCloseMs as a time.Duration.
func (c Config) GraceClose() time.Duration {
	return time.Duration(c.GraceCloseMs) * time.Millisecond
}

// ChannelByName looks up a channel's configured policy, returning ok=false
// if none was configured (callers should fall back to ChannelSpec defaults).
func (c Config) ChannelByName(name string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}
