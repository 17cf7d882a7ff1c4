package api

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks a configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig reads a config file. The syntax is chosen by extension:
// .hcl for native HCL, .json for HCL's JSON syntax, .yaml or .yml for YAML.
func LoadConfig(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return ParseConfig(path, src)
}

// ParseConfig decodes config source held in memory. filename only selects
// the syntax and labels diagnostics.
func ParseConfig(filename string, src []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(src, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, filename, err)
		}
	default:
		if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, filename, err)
		}
	}
	if _, err := cfg.Interval(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Interval parses UpdateInterval. An empty value is zero.
func (c *Config) Interval() (time.Duration, error) {
	if c.UpdateInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		return 0, fmt.Errorf("%w: update_interval %q: %v", ErrInvalidConfig, c.UpdateInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: update_interval %q is negative", ErrInvalidConfig, c.UpdateInterval)
	}
	return d, nil
}
