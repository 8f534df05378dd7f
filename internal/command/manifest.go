package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// Manifest describes one installable command (command.toml).
type Manifest struct {
	Name             string `toml:"name"`
	Description      string `toml:"description,omitempty"`
	Version          string `toml:"version,omitempty"`
	MinFunnelVersion string `toml:"min_funnel_version,omitempty"`

	// Entry names the script file next to the manifest. The CLI install
	// path reads it; MCP installs pass the source inline instead.
	Entry string `toml:"entry,omitempty"`

	TimeoutMs    int `toml:"timeout_ms,omitempty"`
	MaxToolCalls int `toml:"max_tool_calls,omitempty"`
}

// Command names become tool local names, so they follow tool-name rules.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ParseManifest decodes and validates a command manifest.
func ParseManifest(data string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	// Double underscore is the full-name separator.
	if !namePattern.MatchString(m.Name) || strings.Contains(m.Name, "__") {
		return fmt.Errorf("manifest: name %q must match %s without \"__\"", m.Name, namePattern.String())
	}
	if m.Version != "" && !semver.IsValid(ensureVPrefix(m.Version)) {
		return fmt.Errorf("manifest: version %q is not valid semver", m.Version)
	}
	if m.MinFunnelVersion != "" && !semver.IsValid(ensureVPrefix(m.MinFunnelVersion)) {
		return fmt.Errorf("manifest: min_funnel_version %q is not valid semver", m.MinFunnelVersion)
	}
	if m.TimeoutMs < 0 {
		return fmt.Errorf("manifest: timeout_ms must not be negative")
	}
	if m.MaxToolCalls < 0 {
		return fmt.Errorf("manifest: max_tool_calls must not be negative")
	}
	return nil
}

// CheckMinVersion rejects a requirement newer than the running version.
// Development builds (anything that is not valid semver) skip the gate.
func CheckMinVersion(minVersion, current string) error {
	if minVersion == "" {
		return nil
	}
	cur := ensureVPrefix(current)
	if !semver.IsValid(cur) {
		return nil
	}
	if semver.Compare(ensureVPrefix(minVersion), cur) > 0 {
		return fmt.Errorf("command requires mcp-funnel >= %s (running %s)", minVersion, current)
	}
	return nil
}

func ensureVPrefix(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
