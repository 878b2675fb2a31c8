package mcpconfig

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// serverIDPattern admits letters, digits, '_', '.' and '-'. Colons are
// excluded so an id can never contain the ":::" tool-name separator.
var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Parse decodes a YAML (or JSON) document and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mcpconfig parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns the first structural problem in cfg, or nil.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}
	for i, srv := range cfg.Servers {
		if err := ValidateServer(srv); err != nil {
			return fmt.Errorf("mcpServers[%d] (%q): %w", i, srv.ID, err)
		}
	}
	return nil
}

// ValidateServer checks a single server entry.
func ValidateServer(srv Server) error {
	if srv.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if !serverIDPattern.MatchString(srv.ID) {
		return fmt.Errorf("id must match %s", serverIDPattern)
	}
	if strings.TrimSpace(srv.Command) == "" {
		return fmt.Errorf("command must not be empty")
	}
	for k := range srv.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("env key %q is invalid", k)
		}
	}
	return nil
}
