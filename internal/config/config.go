package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"restline/internal/partition"
	"restline/internal/protocol"
)

// Config models restline.yml.
type Config struct {
	Server  Server  `yaml:"server"`
	Methods Methods `yaml:"methods"`
	Cluster Cluster `yaml:"cluster"`
	Store   struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log Log `yaml:"log"`
}

type Server struct {
	Addr               string `yaml:"addr"`
	BasePath           string `yaml:"base_path"`
	MaxProtocolVersion string `yaml:"max_protocol_version"`
	StackTraces        bool   `yaml:"stack_traces"`
	Workers            int    `yaml:"workers"`
	Auth               struct {
		JWTSecret string `yaml:"jwt_secret"`
		// Permissions maps "<resource>.<operation>" patterns to the permission a
		// principal must hold.
		Permissions map[string]string `yaml:"permissions"`
	} `yaml:"auth"`
}

type Cluster struct {
	Service         string `yaml:"service"`
	PointsPerWeight int    `yaml:"points_per_weight"`
	Partitioning    struct {
		Type      string `yaml:"type"`
		Count     int    `yaml:"count"`
		Algorithm string `yaml:"algorithm"`
		Start     int64  `yaml:"start"`
		Size      int64  `yaml:"size"`
	} `yaml:"partitioning"`
	Hosts  []ClusterHost `yaml:"hosts"`
	Health struct {
		IntervalMS  int `yaml:"interval_ms"`
		TimeoutMS   int `yaml:"timeout_ms"`
		MaxFailures int `yaml:"max_failures"`
	} `yaml:"health"`
}

type ClusterHost struct {
	ID         string `yaml:"id"`
	URI        string `yaml:"uri"`
	Weight     int    `yaml:"weight"`
	Partitions []int  `yaml:"partitions"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config default > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "restline.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.MaxProtocolVersion != "" {
		if _, err := protocol.ParseVersion(c.Server.MaxProtocolVersion); err != nil {
			return fmt.Errorf("config.server.max_protocol_version: %w", err)
		}
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("config.server.workers must not be negative")
	}
	if len(c.Server.Auth.Permissions) > 0 && c.Server.Auth.JWTSecret == "" {
		return fmt.Errorf("config.server.auth.permissions requires config.server.auth.jwt_secret")
	}
	for pattern, perm := range c.Server.Auth.Permissions {
		if err := checkPattern(pattern); err != nil {
			return fmt.Errorf("config.server.auth.permissions: %w", err)
		}
		if perm == "" {
			return fmt.Errorf("config.server.auth.permissions %s has empty permission", pattern)
		}
	}
	if err := c.Methods.Validate(); err != nil {
		return err
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Validate checks partitioning and host assignments.
func (c Cluster) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("config.cluster.service is required")
	}
	count := 1
	switch c.Partitioning.Type {
	case "", "none":
	case "hash":
		switch partition.HashAlgorithm(c.Partitioning.Algorithm) {
		case "", partition.HashMD5, partition.HashModulo:
		default:
			return fmt.Errorf("config.cluster.partitioning.algorithm must be md5 or modulo")
		}
		count = c.Partitioning.Count
	case "range":
		if c.Partitioning.Size <= 0 {
			return fmt.Errorf("config.cluster.partitioning.size must be positive")
		}
		count = c.Partitioning.Count
	default:
		return fmt.Errorf("config.cluster.partitioning.type must be none, hash or range")
	}
	if count <= 0 {
		return fmt.Errorf("config.cluster.partitioning.count must be positive")
	}
	seen := map[string]bool{}
	for i, h := range c.Hosts {
		if h.ID == "" || h.URI == "" {
			return fmt.Errorf("config.cluster.hosts[%d] needs id and uri", i)
		}
		if seen[h.ID] {
			return fmt.Errorf("config.cluster.hosts has duplicate id %s", h.ID)
		}
		seen[h.ID] = true
		if h.Weight < 0 {
			return fmt.Errorf("host %s has negative weight", h.ID)
		}
		for _, p := range h.Partitions {
			if p < 0 || p >= count {
				return fmt.Errorf("host %s references unknown partition %d", h.ID, p)
			}
		}
	}
	return nil
}

// Accessor builds the partition accessor.
func (c Cluster) Accessor() partition.Accessor {
	switch c.Partitioning.Type {
	case "hash":
		alg := partition.HashAlgorithm(c.Partitioning.Algorithm)
		if alg == "" {
			alg = partition.HashMD5
		}
		return partition.HashAccessor{Count: c.Partitioning.Count, Algorithm: alg}
	case "range":
		return partition.RangeAccessor{Start: c.Partitioning.Start, Size: c.Partitioning.Size, Count: c.Partitioning.Count}
	}
	return partition.Unpartitioned{}
}

// Snapshot builds the initial partition snapshot. Hosts start healthy; a host
// without explicit partitions serves partition 0.
func (c Cluster) Snapshot() (*partition.Snapshot, error) {
	hosts := map[int][]partition.Host{}
	for _, h := range c.Hosts {
		w := h.Weight
		if w == 0 {
			w = 1
		}
		ph := partition.Host{ID: h.ID, URI: h.URI, Weight: w, Healthy: true}
		parts := h.Partitions
		if len(parts) == 0 {
			parts = []int{0}
		}
		for _, p := range parts {
			hosts[p] = append(hosts[p], ph)
		}
	}
	return partition.NewSnapshot(c.Service, c.Accessor(), hosts, c.PointsPerWeight)
}

// MaxVersion is the highest protocol version the server accepts.
func (s Server) MaxVersion() protocol.Version {
	v, err := protocol.ParseVersion(s.MaxProtocolVersion)
	if err != nil {
		return protocol.Latest
	}
	return v
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: "127.0.0.1:7070"
  base_path: /
  max_protocol_version: 2.0.0
  stack_traces: false
  workers: 16

methods:
  always_projected_fields:
    "*.*": [id]
  batching_enabled:
    "greetings.get": true
  max_batch_size:
    "*.*": 100
  timeout_ms:
    "*.*": 10000

cluster:
  service: greetings
  points_per_weight: 100
  partitioning:
    type: none
  hosts:
    - id: local
      uri: http://127.0.0.1:7070
      weight: 1
  health:
    interval_ms: 5000
    timeout_ms: 2000
    max_failures: 3

store:
  path: restline.db

log:
  level: info
  format: console
`
