// Package mcpconfig defines the configuration document that tells the Charty
// backend which MCP tool servers to spawn.
//
// The document mirrors the "mcpServers" block used by desktop MCP hosts:
//
//	mcpServers:
//	  medmanager:
//	    command: ./bin/medmanager-mcp
//	    args: ["--db", "/app/data/med_management.db"]
//	    env:
//	      LOG_LEVEL: debug
//
// Server ids become the prefix of every tool name the model sees, so they are
// restricted to a character set that cannot contain the tool-name separator.
package mcpconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the root of an MCP configuration document.
type Config struct {
	Servers Servers `yaml:"mcpServers" json:"mcpServers"`
}

// Server describes how to launch one tool-server process.
type Server struct {
	// ID is the mapping key in the document. It is not a YAML field.
	ID string `yaml:"-" json:"-"`

	// Command is the executable path or name resolved through $PATH.
	Command string `yaml:"command" json:"command"`

	// Args are passed to Command verbatim.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env is appended to the parent process environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Disabled servers are kept in the file but never spawned.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Servers is an ordered list of servers decoded from a YAML mapping. Document
// order is kept because it defines the order of the aggregated tool catalog.
type Servers []Server

// UnmarshalYAML decodes a mapping of id → server, preserving key order and
// rejecting duplicate ids.
func (s *Servers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: mcpServers must be a mapping of server id to server", node.Line)
	}
	out := make(Servers, 0, len(node.Content)/2)
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		id := keyNode.Value
		if _, dup := seen[id]; dup {
			return fmt.Errorf("line %d: duplicate server id %q", keyNode.Line, id)
		}
		seen[id] = struct{}{}

		var srv Server
		if err := valNode.Decode(&srv); err != nil {
			return fmt.Errorf("server %q: %w", id, err)
		}
		srv.ID = id
		out = append(out, srv)
	}
	*s = out
	return nil
}

// Enabled returns the servers that are not disabled, in document order.
func (s Servers) Enabled() Servers {
	out := make(Servers, 0, len(s))
	for _, srv := range s {
		if !srv.Disabled {
			out = append(out, srv)
		}
	}
	return out
}

// IDs returns every server id in document order.
func (s Servers) IDs() []string {
	ids := make([]string, len(s))
	for i, srv := range s {
		ids[i] = srv.ID
	}
	return ids
}
