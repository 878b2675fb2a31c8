// Package config loads the MCP server configuration file for the Charty
// backend. The Loader is the single holder of the parsed document at runtime.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/will-ku/med-management-ai/common/spec/mcpconfig"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Loader parses, validates and holds the MCP configuration.
type Loader struct {
	mu     sync.RWMutex
	config *mcpconfig.Config
	hash   string
}

// New returns a Loader holding an empty configuration.
func New() *Loader {
	return &Loader{config: &mcpconfig.Config{}}
}

// LoadFile reads path and applies its contents.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read mcp config: %w", err)
	}
	return l.Apply(data)
}

// Apply expands ${VAR} references from the environment, parses and validates
// data, and replaces the held config. On error the previous config is kept.
func (l *Loader) Apply(data []byte) error {
	expanded := ExpandEnv(string(data))
	cfg, err := mcpconfig.Parse([]byte(expanded))
	if err != nil {
		return fmt.Errorf("invalid mcp config: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	l.mu.Lock()
	l.config = cfg
	l.hash = hash
	l.mu.Unlock()

	slog.Info("mcp config applied",
		"servers", cfg.Servers.IDs(),
		"hash", hash[:12],
	)
	return nil
}

// Config returns the current configuration. It is never nil.
func (l *Loader) Config() *mcpconfig.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Hash returns the SHA-256 of the raw document last applied, or "".
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// ExpandEnv replaces ${NAME} with the value of the environment variable NAME.
// Unset variables expand to the empty string. Bare $NAME is left alone so
// shell fragments inside args survive.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}
