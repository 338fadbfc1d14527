// Package config loads the ontology store's recognized tunables, per §6's
// config table. Grounded on the teacher's cmd/warren/apply.go use of
// gopkg.in/yaml.v3 for manifest parsing; here the same library backs a
// single settings file instead of per-resource manifests, since the
// teacher itself has no dedicated config-file layer (node behavior is
// driven entirely by CLI flags).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Delta holds the C7 tunables.
type Delta struct {
	CompressionThreshold float64 `yaml:"compression_threshold"`
	MaxChainLength       int     `yaml:"max_chain_length"`
}

// Lock holds the C4 tunables.
type Lock struct {
	DefaultTTLSeconds     int `yaml:"default_ttl_seconds"`
	HeartbeatGraceSeconds int `yaml:"heartbeat_grace"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
}

// Index holds the C5 tunables.
type Index struct {
	SwitchTimeoutSeconds int `yaml:"switch_timeout_seconds"`
}

// Outbox holds the C6 publisher tunables.
type Outbox struct {
	MaxAttempts     int `yaml:"max_attempts"`
	PollIntervalMS  int `yaml:"poll_interval_ms"`
}

// Subscriber holds the C6 subscriber tunables.
type Subscriber struct {
	IdempotencyWindowSeconds int `yaml:"idempotency_window_s"`
}

// Merge holds the C3 tunables.
type Merge struct {
	WallclockBudgetSeconds int `yaml:"wallclock_budget_seconds"`
}

// Compaction holds the delta-chain compaction tunables.
type Compaction struct {
	Enabled  bool `yaml:"enabled"`
	MaxChain int  `yaml:"max_chain"`
}

// Config is the full set of options §6 recognizes, loaded from YAML and
// overridable by CLI flags in cmd/omscore.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	Delta      Delta      `yaml:"delta"`
	Lock       Lock       `yaml:"lock"`
	Index      Index      `yaml:"index"`
	Outbox     Outbox     `yaml:"outbox"`
	Subscriber Subscriber `yaml:"subscriber"`
	Merge      Merge      `yaml:"merge"`
	Compaction Compaction `yaml:"compaction"`
}

// Default returns the defaults named in §6's config table.
func Default() Config {
	return Config{
		BindAddr: "127.0.0.1:7950",
		DataDir:  "./data",
		Delta:      Delta{CompressionThreshold: 0.7, MaxChainLength: 5},
		Lock:       Lock{DefaultTTLSeconds: 3600, HeartbeatGraceSeconds: 10, SweepIntervalSeconds: 20},
		Index:      Index{SwitchTimeoutSeconds: 5},
		Outbox:     Outbox{MaxAttempts: 10, PollIntervalMS: 1000},
		Subscriber: Subscriber{IdempotencyWindowSeconds: 86400},
		Merge:      Merge{WallclockBudgetSeconds: 30},
		Compaction: Compaction{Enabled: true, MaxChain: 5},
	}
}

// Load reads a YAML settings file, applying it on top of Default(). A
// missing path returns the defaults unchanged, matching a first-run
// experience with no settings file yet written.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LockTTL returns the configured default lock TTL as a time.Duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.DefaultTTLSeconds) * time.Second
}

// LockHeartbeatGrace returns the configured heartbeat grace period.
func (c Config) LockHeartbeatGrace() time.Duration {
	return time.Duration(c.Lock.HeartbeatGraceSeconds) * time.Second
}

// IndexSwitchTimeout returns the configured shadow-index switch timeout.
func (c Config) IndexSwitchTimeout() time.Duration {
	return time.Duration(c.Index.SwitchTimeoutSeconds) * time.Second
}

// SubscriberIdempotencyWindow returns the configured ingested-event TTL.
func (c Config) SubscriberIdempotencyWindow() time.Duration {
	return time.Duration(c.Subscriber.IdempotencyWindowSeconds) * time.Second
}
