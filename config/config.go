// Package config loads the hierarchical YAML configuration file: database
// connection string, logging sink, and a per-entity, per-source set of
// shell command templates for the default shell driver. Parsing uses
// gopkg.in/yaml.v3 rather than encoding/json or a hand-rolled parser.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// LogSink names where log output goes.
type LogSink string

const (
	LogStderr LogSink = "stderr"
	LogStdout LogSink = "stdout"
	LogNone   LogSink = "none"
)

// SourceConfig is one entity/source's shell command templates, each with a
// "%fk" placeholder the shell driver substitutes the foreign key into.
// Read/Update/Delete commands must exit 3 to report that "%fk" names no
// existing record; any other non-zero exit is treated as a transient
// failure and retried.
type SourceConfig struct {
	Create string `yaml:"create"`
	Read   string `yaml:"read"`
	Update string `yaml:"update"`
	Delete string `yaml:"delete"`
}

// EntityConfig is one entity's declared sources, in the order they appear
// under "enabled" — order is significant, since it fixes the Reconciler's
// write-back order for this entity.
type EntityConfig struct {
	Enabled []model.SourceName
	Sources map[model.SourceName]SourceConfig
}

// rawConfig mirrors the YAML document shape before sources are split out of
// the entity map: each rawEntity collects its per-source template blocks
// through an inline map beside the fixed "enabled" field, and Parse turns
// that map into EntityConfig.Sources.
type rawConfig struct {
	Database string                       `yaml:"database"`
	Logging  LogSink                      `yaml:"logging"`
	Entities map[model.EntityName]rawEntity `yaml:"entities"`
}

type rawEntity struct {
	Enabled []model.SourceName `yaml:"enabled"`
	Rest    map[string]SourceConfig `yaml:",inline"`
}

// Config is the parsed, validated configuration tree.
type Config struct {
	Database string
	Logging  LogSink
	Entities map[model.EntityName]EntityConfig
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse parses a configuration document already read into memory.
func Parse(data []byte) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(rerrors.ErrInvalidMessage, err.Error())
	}

	cfg := Config{
		Database: raw.Database,
		Logging:  raw.Logging,
		Entities: make(map[model.EntityName]EntityConfig, len(raw.Entities)),
	}
	if cfg.Logging == "" {
		cfg.Logging = LogStderr
	}
	if err := validateLogSink(cfg.Logging); err != nil {
		return Config{}, err
	}

	for name, re := range raw.Entities {
		sources := make(map[model.SourceName]SourceConfig, len(re.Rest))
		for k, v := range re.Rest {
			sources[model.SourceName(k)] = v
		}
		for _, enabled := range re.Enabled {
			if _, ok := sources[enabled]; !ok {
				return Config{}, errors.Wrapf(rerrors.ErrInvalidMessage,
					"entity %q: enabled source %q has no command templates", name, enabled)
			}
		}
		cfg.Entities[name] = EntityConfig{Enabled: re.Enabled, Sources: sources}
	}
	return cfg, nil
}

func validateLogSink(s LogSink) error {
	switch s {
	case LogStderr, LogStdout, LogNone:
		return nil
	default:
		return errors.Wrapf(rerrors.ErrInvalidMessage, "logging: unrecognised sink %q", s)
	}
}
