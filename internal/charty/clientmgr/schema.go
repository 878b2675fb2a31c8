package clientmgr

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache holds compiled input schemas keyed by encoded tool name.
type schemaCache struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(encoded string, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		c.mu.Lock()
		delete(c.schemas, encoded)
		c.mu.Unlock()
		return nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	loc := schemaURL(encoded)
	if err := compiler.AddResource(loc, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(loc)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	c.mu.Lock()
	c.schemas[encoded] = schema
	c.mu.Unlock()
	return nil
}

func (c *schemaCache) validate(encoded string, args map[string]any) error {
	c.mu.RLock()
	schema := c.schemas[encoded]
	c.mu.RUnlock()
	if schema == nil {
		return nil
	}
	return schema.Validate(args)
}

func schemaURL(encoded string) string {
	parts := strings.Split(encoded, Separator)
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "mem://tools/" + strings.Join(parts, "/") + ".json"
}
