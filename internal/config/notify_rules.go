package config

import (
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// NotifyRules overrides the static notifier settings at runtime. Nil pointers
// leave the corresponding config value untouched so a rules file can adjust a
// single knob without restating the rest.
type NotifyRules struct {
	MinSeverity *int              `koanf:"minSeverity"`
	Filter      *string           `koanf:"filter"`
	Templates   map[string]string `koanf:"templates"`
}

// LoadNotifyRules reads a notification rules document, picking the parser from
// the file extension (yaml, json, or toml).
func LoadNotifyRules(path string) (NotifyRules, error) {
	parser, err := parserForPath(path)
	if err != nil {
		return NotifyRules{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return NotifyRules{}, fmt.Errorf("config: load notify rules %s: %w", path, err)
	}
	var rules NotifyRules
	if err := k.Unmarshal("", &rules); err != nil {
		return NotifyRules{}, fmt.Errorf("config: unmarshal notify rules %s: %w", path, err)
	}
	if rules.MinSeverity != nil && (*rules.MinSeverity < 0 || *rules.MinSeverity > 5) {
		return NotifyRules{}, fmt.Errorf("config: notify rules %s: minSeverity %d out of range 0..5", path, *rules.MinSeverity)
	}
	return rules, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported notify rules format %q", filepath.Ext(path))
	}
}
