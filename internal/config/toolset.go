package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Toolset is a named list of full tool names enabled together via the
// load_toolset core tool. Inline config entries are plain name lists; file
// based toolsets may also carry a description.
type Toolset struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tools       []string `yaml:"tools" json:"tools"`
}

// ToolsetPath returns the directory scanned for <name>.yaml toolset files.
func (c *Config) ToolsetPath() string {
	if c.ToolsetDir != "" {
		return c.ToolsetDir
	}
	return filepath.Join(c.DataDir, "toolsets")
}

// LoadToolset resolves a toolset by name: inline config entries win, then
// <toolset_dir>/<name>.yaml is consulted.
func (c *Config) LoadToolset(name string) (*Toolset, error) {
	if name == "" {
		return nil, fmt.Errorf("toolset name is required")
	}
	if tools, ok := c.Toolsets[name]; ok {
		return &Toolset{Name: name, Tools: tools}, nil
	}

	path := filepath.Join(c.ToolsetPath(), name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("toolset %q not found", name)
		}
		return nil, fmt.Errorf("failed to read toolset %s: %w", path, err)
	}

	var ts Toolset
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("failed to parse toolset %s: %w", path, err)
	}
	if ts.Name == "" {
		ts.Name = name
	}
	if len(ts.Tools) == 0 {
		return nil, fmt.Errorf("toolset %q contains no tools", name)
	}
	return &ts, nil
}

// ListToolsets returns the names of all known toolsets, inline and file
// based, sorted and deduplicated.
func (c *Config) ListToolsets() []string {
	seen := make(map[string]bool, len(c.Toolsets))
	for name := range c.Toolsets {
		seen[name] = true
	}

	entries, err := os.ReadDir(c.ToolsetPath())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			base := entry.Name()
			if strings.HasSuffix(base, ".yaml") {
				seen[strings.TrimSuffix(base, ".yaml")] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
