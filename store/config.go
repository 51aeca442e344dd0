package store

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is the yaml server configuration. Zero values fall back to a
// standalone in-process setup: pebble storage, solo bus, no tracing.
type Config struct {
	Listen        string `json:"listen"`
	MetricsListen string `json:"metricsListen"`

	Backend    string `json:"backend"` // "pebble" or "tikv"
	PebbleDir  string `json:"pebbleDir"`
	PDEndpoint string `json:"pdEndpoint"`

	NatsURL      string `json:"natsUrl"`
	EmbeddedNats bool   `json:"embeddedNats"`

	CacheCapacity int    `json:"cacheCapacity"`
	QueryTimeout  int    `json:"queryTimeoutSeconds"`
	AdminPassword string `json:"adminPassword"`

	// Sequences maps type keys to key-generation patterns, e.g.
	// "/type/page": "/page/%d".
	Sequences map[string]string `json:"sequences"`

	// TableGroups maps type keys to dedicated index table prefixes.
	TableGroups map[string]string `json:"tableGroups"`
}

func DefaultConfig() Config {
	return Config{
		Listen:        ":5964",
		MetricsListen: ":27667",
		Backend:       "pebble",
		PebbleDir:     "infobase-data",
		CacheCapacity: 100000,
		QueryTimeout:  60,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ApplySchema registers the configured table groups and sequences.
func (cfg Config) ApplySchema(s *Schema) {
	for typ, prefix := range cfg.TableGroups {
		s.AddTableGroup(prefix, typ)
	}
	for typ, pattern := range cfg.Sequences {
		s.AddSequence(typ, pattern)
	}
}
