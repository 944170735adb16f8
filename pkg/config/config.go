package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion = "v1"

	ProviderEC2      = "ec2"
	ProviderLoopback = "loopback"

	RegistryMemory = "memory"
	RegistryBolt   = "bolt"

	DefaultLabel             = "ec2-fleet"
	DefaultScratchRoot       = "/tmp"
	DefaultAPIAddr           = "127.0.0.1:9090"
	DefaultReconcileInterval = 30 * time.Second
	DefaultProvisionInterval = 10 * time.Second
	DefaultPendingTimeout    = 10 * time.Minute
	DefaultIdleCheckInterval = time.Minute
	DefaultCallTimeout       = 30 * time.Second
	DefaultDataDir           = "/var/lib/fleetsync"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid config")

// Duration wraps time.Duration to support YAML unmarshalling from strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings (or numbers representing nanoseconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		d.Duration = 0
		return nil
	}

	if value.Kind == yaml.ScalarNode {
		var asString string
		if err := value.Decode(&asString); err == nil {
			if asString == "" {
				d.Duration = 0
				return nil
			}
			if parsed, err := time.ParseDuration(asString); err == nil {
				d.Duration = parsed
				return nil
			}
		}

		var asInt int64
		if err := value.Decode(&asInt); err == nil {
			d.Duration = time.Duration(asInt)
			return nil
		}
	}

	return fmt.Errorf("invalid duration value: %s", value.Value)
}

// MarshalYAML writes the duration in its string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the root configuration document
type Config struct {
	SchemaVersion string          `yaml:"schemaVersion"`
	Log           LogConfig       `yaml:"log"`
	Provider      ProviderConfig  `yaml:"provider"`
	Registry      RegistryConfig  `yaml:"registry"`
	Connector     ConnectorConfig `yaml:"connector"`
	API           APIConfig       `yaml:"api"`
	Fleets        []FleetConfig   `yaml:"fleets"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ProviderConfig selects and configures the cloud gateway
type ProviderConfig struct {
	Type             string   `yaml:"type"`
	Region           string   `yaml:"region,omitempty"`
	AccessKeyID      string   `yaml:"accessKeyID,omitempty"`
	SecretAccessKey  string   `yaml:"secretAccessKey,omitempty"`
	Endpoint         string   `yaml:"endpoint,omitempty"`
	CallTimeout      Duration `yaml:"callTimeout,omitempty"`
	MaxAttempts      int      `yaml:"maxAttempts,omitempty"`
	RateLimitHoldoff Duration `yaml:"rateLimitHoldoff,omitempty"`
	// AddressLag only applies to the loopback provider
	AddressLag int `yaml:"addressLag,omitempty"`
}

type RegistryConfig struct {
	Type    string `yaml:"type"`
	DataDir string `yaml:"dataDir,omitempty"`
}

type ConnectorConfig struct {
	User           string   `yaml:"user,omitempty"`
	Port           int      `yaml:"port,omitempty"`
	PrivateKeyFile string   `yaml:"privateKeyFile,omitempty"`
	Probe          bool     `yaml:"probe,omitempty"`
	ProbeTimeout   Duration `yaml:"probeTimeout,omitempty"`
}

type APIConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpcAddr,omitempty"`
}

// FleetConfig describes one spot fleet request managed by fleetsync
type FleetConfig struct {
	ID                string   `yaml:"id"`
	Label             string   `yaml:"label,omitempty"`
	MaxSize           int      `yaml:"maxSize"`
	UsePrivateIP      bool     `yaml:"usePrivateIP,omitempty"`
	IdleTimeout       Duration `yaml:"idleTimeout,omitempty"`
	ScratchRoot       string   `yaml:"scratchRoot,omitempty"`
	ReconcileInterval Duration `yaml:"reconcileInterval,omitempty"`
	ProvisionInterval Duration `yaml:"provisionInterval,omitempty"`
	PendingTimeout    Duration `yaml:"pendingTimeout,omitempty"`
	IdleCheckInterval Duration `yaml:"idleCheckInterval,omitempty"`
	// InitialCapacity seeds the fleet in loopback mode
	InitialCapacity int `yaml:"initialCapacity,omitempty"`
}

// Load reads, validates and defaults a configuration file
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode unmarshals YAML into a Config while enforcing known fields
func Decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset optional field
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Provider.Type == "" {
		c.Provider.Type = ProviderEC2
	}
	if c.Provider.CallTimeout.Duration == 0 {
		c.Provider.CallTimeout.Duration = DefaultCallTimeout
	}
	if c.Registry.Type == "" {
		c.Registry.Type = RegistryMemory
	}
	if c.Registry.Type == RegistryBolt && c.Registry.DataDir == "" {
		c.Registry.DataDir = DefaultDataDir
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}

	for i := range c.Fleets {
		f := &c.Fleets[i]
		if f.Label == "" {
			f.Label = DefaultLabel
		}
		if f.ScratchRoot == "" {
			f.ScratchRoot = DefaultScratchRoot
		}
		if f.ReconcileInterval.Duration == 0 {
			f.ReconcileInterval.Duration = DefaultReconcileInterval
		}
		if f.ProvisionInterval.Duration == 0 {
			f.ProvisionInterval.Duration = DefaultProvisionInterval
		}
		if f.PendingTimeout.Duration == 0 {
			f.PendingTimeout.Duration = DefaultPendingTimeout
		}
		if f.IdleCheckInterval.Duration == 0 {
			f.IdleCheckInterval.Duration = DefaultIdleCheckInterval
		}
	}
}

// Validate performs integrity checks on the configuration
func (c *Config) Validate() error {
	if c.SchemaVersion == "" {
		return fmt.Errorf("%w: schemaVersion is required", ErrInvalid)
	}
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schemaVersion %q", ErrInvalid, c.SchemaVersion)
	}

	switch c.Provider.Type {
	case ProviderEC2, ProviderLoopback:
	default:
		return fmt.Errorf("%w: unknown provider type %q", ErrInvalid, c.Provider.Type)
	}
	if c.Provider.MaxAttempts < 0 {
		return fmt.Errorf("%w: provider.maxAttempts must not be negative", ErrInvalid)
	}
	if c.Provider.CallTimeout.Duration < 0 || c.Provider.RateLimitHoldoff.Duration < 0 {
		return fmt.Errorf("%w: provider durations must not be negative", ErrInvalid)
	}

	switch c.Registry.Type {
	case RegistryMemory, RegistryBolt:
	default:
		return fmt.Errorf("%w: unknown registry type %q", ErrInvalid, c.Registry.Type)
	}

	if c.Connector.Port < 0 || c.Connector.Port > 65535 {
		return fmt.Errorf("%w: connector.port %d out of range", ErrInvalid, c.Connector.Port)
	}
	if c.Connector.Probe && c.Connector.PrivateKeyFile == "" {
		return fmt.Errorf("%w: connector.probe requires privateKeyFile", ErrInvalid)
	}

	if len(c.Fleets) == 0 {
		return fmt.Errorf("%w: at least one fleet is required", ErrInvalid)
	}
	ids := make(map[string]bool, len(c.Fleets))
	for idx, f := range c.Fleets {
		if f.ID == "" {
			return fmt.Errorf("%w: fleets[%d] has empty id", ErrInvalid, idx)
		}
		if ids[f.ID] {
			return fmt.Errorf("%w: duplicate fleet id %q", ErrInvalid, f.ID)
		}
		ids[f.ID] = true

		if f.MaxSize < 1 {
			return fmt.Errorf("%w: fleet %q maxSize must be at least 1", ErrInvalid, f.ID)
		}
		for name, d := range map[string]Duration{
			"idleTimeout":       f.IdleTimeout,
			"reconcileInterval": f.ReconcileInterval,
			"provisionInterval": f.ProvisionInterval,
			"pendingTimeout":    f.PendingTimeout,
			"idleCheckInterval": f.IdleCheckInterval,
		} {
			if d.Duration < 0 {
				return fmt.Errorf("%w: fleet %q %s must not be negative", ErrInvalid, f.ID, name)
			}
		}
	}
	return nil
}

// Fleet returns the configuration of one fleet
func (c *Config) Fleet(id string) (FleetConfig, bool) {
	for _, f := range c.Fleets {
		if f.ID == id {
			return f, true
		}
	}
	return FleetConfig{}, false
}
